package main

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"diffspect/internal/models"
	"diffspect/pkg/config"
	"diffspect/pkg/diffspect"
	"diffspect/pkg/imageio"
	"diffspect/pkg/imagemath"
	"diffspect/pkg/inbox"
	"diffspect/pkg/orchestrator"
	"diffspect/pkg/registration"
	"diffspect/pkg/storage"
	"diffspect/pkg/study"
	"diffspect/pkg/visualization"
)

// session is an opened study wired to the real engines
type session struct {
	store *storage.Store
	state *study.State
	orch  *orchestrator.Orchestrator

	kernels *imagemath.Engine
}

func (a *app) openStore() (*storage.Store, error) {
	return storage.NewStore(a.cfg.Storage.Database, a.logger)
}

// openStudy loads a study from the database. The atlas images are only
// read from disk when the command needs them.
func (a *app) openStudy(ctx context.Context, idArg string, needAtlas bool) (*session, error) {
	id, err := uuid.Parse(idArg)
	if err != nil {
		return nil, fmt.Errorf("invalid study id %q: %w", idArg, err)
	}

	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	state, err := store.LoadState(ctx, id, imageio.Codec{})
	if err != nil {
		store.Close()
		return nil, err
	}

	kernels := imagemath.NewEngine(a.cfg, a.logger)
	engine := registration.NewEngine(kernels, a.logger)
	analyzer := diffspect.NewAnalyzer(kernels, a.cfg, a.logger)
	orch := orchestrator.New(state, engine, engine.Resampler(), analyzer, a.cfg, a.logger)

	if needAtlas {
		atlas, err := a.loadAtlas()
		if err != nil {
			store.Close()
			return nil, err
		}
		if err := orch.LoadAtlas(ctx, *atlas); err != nil {
			store.Close()
			return nil, err
		}
	}

	return &session{store: store, state: state, orch: orch, kernels: kernels}, nil
}

// save persists the study and closes the database
func (s *session) save(ctx context.Context) error {
	defer s.store.Close()
	return s.store.SaveState(ctx, s.state, imageio.Codec{})
}

func (a *app) loadAtlas() (*orchestrator.Atlas, error) {
	paths := []string{a.cfg.Atlas.Spect, a.cfg.Atlas.MRI, a.cfg.Atlas.StdSpect, a.cfg.Atlas.Mask}
	atlas := &orchestrator.Atlas{}
	for i, path := range paths {
		v, err := imageio.Load(path, a.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to load atlas: %w", err)
		}
		switch i {
		case 0:
			atlas.Spect = v
		case 1:
			atlas.MRI = v
		case 2:
			atlas.StdSpect = v
		case 3:
			atlas.Mask = v
		}
	}
	return atlas, nil
}

func newStudyCmd(a *app) *cobra.Command {
	studyCmd := &cobra.Command{
		Use:   "study",
		Short: "Create, list, show and delete studies",
	}

	var (
		name, number          string
		structural, nonlinear bool
	)
	newCmd := &cobra.Command{
		Use:   "new",
		Short: "Create an empty study",
		RunE: func(cmd *cobra.Command, args []string) error {
			state, err := study.New(study.Patient{Name: name, Number: number}, structural, nonlinear)
			if err != nil {
				return err
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.SaveState(cmd.Context(), state, imageio.Codec{}); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), state.ID)
			return nil
		},
	}
	newCmd.Flags().StringVar(&name, "name", "", "Patient name")
	newCmd.Flags().StringVar(&number, "number", "", "Patient number")
	newCmd.Flags().BoolVar(&structural, "mri", false, "Register through the patient's MRI")
	newCmd.Flags().BoolVar(&nonlinear, "nonlinear", false, "Use nonlinear atlas registrations")
	_ = newCmd.MarkFlagRequired("name")
	_ = newCmd.MarkFlagRequired("number")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List stored studies",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			summaries, err := store.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tPATIENT\tNUMBER\tMRI\tNONLINEAR\tSLOTS\tUPDATED")
			for _, s := range summaries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%v\t%d\t%s\n", s.ID, s.Patient.Name, s.Patient.Number,
					s.HasStructuralReference, s.UseNonlinearAlignment, s.Slots, s.UpdatedAt.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}

	showCmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show the phase and filled slots of a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStudy(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			defer s.store.Close()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Study:      %s\n", s.state.ID)
			fmt.Fprintf(out, "Patient:    %s (%s)\n", s.state.Patient.Name, s.state.Patient.Number)
			fmt.Fprintf(out, "MRI:        %v\n", s.state.HasStructuralReference)
			fmt.Fprintf(out, "Nonlinear:  %v\n", s.state.UseNonlinearAlignment)
			fmt.Fprintf(out, "Phase:      %s\n", s.state.Phase())
			names := make([]string, 0)
			for _, slot := range s.state.Occupied() {
				names = append(names, slot.String())
			}
			fmt.Fprintf(out, "Slots:      %s\n", strings.Join(names, ", "))
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a study",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid study id %q: %w", args[0], err)
			}
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			return store.Delete(cmd.Context(), id)
		},
	}

	studyCmd.AddCommand(newCmd, listCmd, showCmd, deleteCmd)
	return studyCmd
}

func newLoadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "load <id> <interictal|ictal|mri> <path>",
		Short: "Load a base image from a NIfTI file or DICOM directory",
		Long: `Load a base image into a study. Every registration, reslice and
analysis result of the study is discarded.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, ok := study.ParseSlot(args[1])
			if !ok {
				return fmt.Errorf("%w: %q", study.ErrUnknownSlot, args[1])
			}
			v, err := imageio.Load(args[2], a.logger)
			if err != nil {
				return err
			}

			s, err := a.openStudy(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			if err := s.orch.LoadImage(cmd.Context(), slot, v); err != nil {
				s.store.Close()
				return err
			}
			return s.save(cmd.Context())
		},
	}
}

func newRegisterCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "register <id> <atlas2interictal|interictal2ictal|atlas2mri|mri2interictal>",
		Short: "Run one registration",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, ok := orchestrator.ParseRegistrationScenario(args[1])
			if !ok {
				return fmt.Errorf("unknown registration %q", args[1])
			}
			s, err := a.openStudy(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			out, err := s.orch.ComputeRegistration(cmd.Context(), scenario)
			if err != nil {
				s.store.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s transformation, NMI %.4f\n",
				scenario, out.Transformation.Kind(), out.Metric)
			return s.save(cmd.Context())
		},
	}
}

func newResliceCmd(a *app) *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reslice <id> <ictal2Atlas|inter2Atlas|inter2ictal>",
		Short: "Resample an image through stored registrations",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scenario, ok := orchestrator.ParseResliceScenario(args[1])
			if !ok {
				return fmt.Errorf("unknown reslice %q", args[1])
			}
			s, err := a.openStudy(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			v, err := s.orch.ComputeReslice(cmd.Context(), scenario, force)
			if err != nil {
				s.store.Close()
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", scenario, v)
			return s.save(cmd.Context())
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "Recompute even if a cached result exists")
	return cmd
}

// analysisFlags are shared by analyze and run
type analysisFlags struct {
	force       bool
	pValue      float64
	clusterSize int
	snapshots   bool
}

func (f *analysisFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVar(&f.force, "force", false, "Reslice again even if cached results exist")
	cmd.Flags().Float64Var(&f.pValue, "pvalue", 0, "Voxel significance level (default from config)")
	cmd.Flags().IntVar(&f.clusterSize, "cluster-size", -1, "Minimum cluster size in voxels (default from config)")
	cmd.Flags().BoolVar(&f.snapshots, "snapshots", false, "Write one PNG per cluster")
}

func (f *analysisFlags) params(cfg *config.Config) diffspect.Params {
	params := diffspect.ParamsFromConfig(cfg)
	if f.pValue > 0 {
		params.PValue = f.pValue
	}
	if f.clusterSize >= 0 {
		params.ClusterSize = f.clusterSize
	}
	return params
}

// analyze runs the statistics, prints the report and writes snapshots
func (a *app) analyze(cmd *cobra.Command, s *session, flags *analysisFlags) error {
	params := flags.params(a.cfg)
	result, err := s.orch.ComputeDiffSpect(cmd.Context(), flags.force, params)
	if err != nil {
		return err
	}
	for _, d := range result.Diagnostics {
		a.logger.Warn("Analysis diagnostic", zap.String("detail", d))
	}
	fmt.Fprint(cmd.OutOrStdout(), diffspect.Report(result.Hyper, result.Hypo))

	if !flags.snapshots {
		return nil
	}
	// The atlas MRI gives the best anatomy; fall back to the resliced ictal
	// scan, which always shares the t-map grid
	anatomy, ok := s.state.Image(study.AtlasMRI)
	if !ok || !models.Congruent(anatomy, result.TMap) {
		if anatomy, ok = s.state.Image(study.AtlasToIctalReslice); !ok {
			return &study.MissingInputError{Operation: "snapshots", Slot: study.AtlasToIctalReslice}
		}
	}
	threshold, err := s.kernels.TThreshold(params.PValue)
	if err != nil {
		return err
	}
	dir := filepath.Join(a.cfg.Output.SnapshotDir, s.state.ID.String())
	for _, table := range []struct {
		prefix   string
		clusters []models.ClusterRecord
	}{
		{"hyper", result.Hyper},
		{"hypo", result.Hypo},
	} {
		paths, err := visualization.SaveClusterSnapshots(anatomy, result.TMap, table.clusters, dir,
			visualization.SnapshotOptions{Threshold: threshold, Scale: 4, Prefix: table.prefix})
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(cmd.OutOrStdout(), "Snapshot:", p)
		}
	}
	return nil
}

func newAnalyzeCmd(a *app) *cobra.Command {
	flags := &analysisFlags{}
	cmd := &cobra.Command{
		Use:   "analyze <id>",
		Short: "Compute the t-map and cluster tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStudy(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			if err := a.analyze(cmd, s, flags); err != nil {
				s.store.Close()
				return err
			}
			return s.save(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	flags := &analysisFlags{}
	cmd := &cobra.Command{
		Use:   "run <id>",
		Short: "Run every registration of the protocol, then the analysis",
		Long: `Run the registrations of the study's protocol in order, reslice
both SPECT scans into atlas space and compute the cluster tables.
Registrations already stored are kept; --force recomputes them.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStudy(cmd.Context(), args[0], true)
			if err != nil {
				return err
			}
			if flags.force {
				for _, scenario := range orchestrator.Protocol(s.state.HasStructuralReference) {
					if err := s.orch.ClearFrom(cmd.Context(), scenario); err != nil {
						s.store.Close()
						return err
					}
				}
			}
			if err := s.orch.RunFullRegistrationProtocol(cmd.Context()); err != nil {
				// Keep the registrations that completed
				if saveErr := s.save(cmd.Context()); saveErr != nil {
					a.logger.Error("Failed to save partial results", zap.Error(saveErr))
				}
				return err
			}
			// Reslice both conditions through the new transforms
			flags.force = true
			if err := a.analyze(cmd, s, flags); err != nil {
				s.store.Close()
				return err
			}
			return s.save(cmd.Context())
		},
	}
	flags.register(cmd)
	return cmd
}

func newReportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "report <id>",
		Short: "Print the stored cluster tables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStudy(cmd.Context(), args[0], false)
			if err != nil {
				return err
			}
			defer s.store.Close()

			hyper, okHyper := s.state.Stats(study.Hyper)
			hypo, okHypo := s.state.Stats(study.Hypo)
			if !okHyper || !okHypo {
				return &study.MissingInputError{Operation: "report", Slot: study.Hyper}
			}
			fmt.Fprint(cmd.OutOrStdout(), diffspect.Report(hyper, hypo))
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export <id> <slot> <path.nii[.gz]>",
		Short: "Write a stored image to a NIfTI file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			slot, ok := study.ParseSlot(args[1])
			if !ok {
				return fmt.Errorf("%w: %q", study.ErrUnknownSlot, args[1])
			}
			if slot.Kind() != study.KindImage {
				return fmt.Errorf("slot %s does not hold an image", slot)
			}
			s, err := a.openStudy(cmd.Context(), args[0], slot.Role() == study.RoleAtlas)
			if err != nil {
				return err
			}
			defer s.store.Close()

			v, ok := s.state.Image(slot)
			if !ok {
				return &study.MissingInputError{Operation: "export", Slot: slot}
			}
			return imageio.Save(args[2], v)
		},
	}
}

func newWatchCmd(a *app) *cobra.Command {
	var (
		dir      string
		debounce time.Duration
	)
	cmd := &cobra.Command{
		Use:   "watch <id>",
		Short: "Load base images dropped into a directory",
		Long: `Watch a directory for interictal, ictal and mri images
(<slot>.nii or <slot>.nii.gz) and load each one into the study as it
arrives. The study is saved after every load. Stop with Ctrl-C.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			s, err := a.openStudy(ctx, args[0], false)
			if err != nil {
				return err
			}
			defer s.store.Close()

			w, err := inbox.NewWatcher(dir, s.orch, debounce, a.logger)
			if err != nil {
				return err
			}
			w.OnLoad = func(slot study.Slot, err error) {
				if err != nil {
					return
				}
				if err := s.store.SaveState(ctx, s.state, imageio.Codec{}); err != nil {
					a.logger.Error("Failed to save study", zap.Error(err))
					return
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Loaded %s, study is now %s\n", slot, s.state.Phase())
			}
			if err := w.Start(ctx); err != nil {
				return err
			}
			defer w.Stop()

			<-ctx.Done()
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "inbox", "Directory to watch")
	cmd.Flags().DurationVar(&debounce, "debounce", 2*time.Second, "Quiet time before a file is loaded")
	return cmd
}

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
	}
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write the default configuration",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if err := config.CreateDefaultConfigFile(path); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
			return nil
		},
	}
	configCmd.AddCommand(initCmd)
	return configCmd
}
