package diffspect

import (
	"strings"

	"diffspect/internal/models"
)

// FormatTable renders one cluster table as the text block written to logs
// and reports: a title line, the column header and one row per cluster.
func FormatTable(name string, records []models.ClusterRecord) string {
	var b strings.Builder
	b.WriteString("#" + name + " cluster statistics\n")
	b.WriteString(models.ClusterHeader + "\n")
	for _, r := range records {
		b.WriteString(r.String())
		b.WriteByte('\n')
	}
	return b.String()
}

// Report renders the hyper and hypo tables of a result
func Report(hyper, hypo []models.ClusterRecord) string {
	return FormatTable("hyper", hyper) + "\n" + FormatTable("hypo", hypo)
}
