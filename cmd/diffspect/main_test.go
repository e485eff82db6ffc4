package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"diffspect/internal/models"
	"diffspect/pkg/config"
	"diffspect/pkg/imageio"
)

// execute runs the CLI with a private database and returns stdout
func execute(t *testing.T, dir string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{
		"--config", filepath.Join(dir, "diffspect.yaml"),
		"--db", filepath.Join(dir, "studies.db"),
	}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "conf", "custom.yaml")

	out, err := execute(t, dir, "config", "init", path)
	require.NoError(t, err)
	assert.Contains(t, out, path)

	cfg, err := config.LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, config.DefaultConfig().Analysis, cfg.Analysis)
}

func TestStudyLifecycle(t *testing.T) {
	dir := t.TempDir()

	out, err := execute(t, dir, "study", "new", "--name", "Doe", "--number", "0042")
	require.NoError(t, err)
	id := strings.TrimSpace(out)
	require.Len(t, id, 36)

	out, err = execute(t, dir, "study", "list")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "Doe")

	image := filepath.Join(dir, "ictal.nii.gz")
	v := models.NewVolume(4, 4, 4, [3]float64{2, 2, 2})
	require.NoError(t, imageio.Save(image, v))

	_, err = execute(t, dir, "load", id, "ictal", image)
	require.NoError(t, err)

	// MRI needs a study created with --mri
	_, err = execute(t, dir, "load", id, "mri", image)
	assert.Error(t, err)

	out, err = execute(t, dir, "study", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Phase:      Empty")
	assert.Contains(t, out, "ictal")

	out, err = execute(t, dir, "export", id, "ictal", filepath.Join(dir, "out.nii"))
	require.NoError(t, err, out)

	_, err = execute(t, dir, "report", id)
	assert.Error(t, err, "no analysis has run")

	_, err = execute(t, dir, "study", "delete", id)
	require.NoError(t, err)
	_, err = execute(t, dir, "study", "show", id)
	assert.Error(t, err)
}

func TestArgumentErrors(t *testing.T) {
	dir := t.TempDir()

	_, err := execute(t, dir, "study", "show", "not-a-uuid")
	assert.Error(t, err)

	_, err = execute(t, dir, "register", "6f1c1f42-8a7e-4c39-9b3f-3f3f4a0f7e11", "atlas2nowhere")
	assert.Error(t, err)

	_, err = execute(t, dir, "study", "new", "--name", "Doe")
	assert.Error(t, err)
}
