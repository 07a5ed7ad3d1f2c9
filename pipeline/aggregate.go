package pipeline

import (
	"strconv"

	"github.com/aluiziolira/go-scrape-elections/models"
)

// CoreColumns are the fixed leading columns of every exported table.
var CoreColumns = []string{"code", "location", "registered", "envelopes", "valid"}

// Table is a rectangular set of unified records.
type Table struct {
	Candidates []string
	Records    []*models.UnifiedRecord
}

// Aggregate unifies the candidate columns of records. The candidate set is
// the union over all records in order of first appearance; candidates a
// record does not report are filled with 0. Output order matches input order.
func Aggregate(records []*models.UnitRecord) *Table {
	var candidates []string
	seen := make(map[string]struct{})
	for _, r := range records {
		for _, name := range r.Votes.Names() {
			if _, ok := seen[name]; ok {
				continue
			}
			seen[name] = struct{}{}
			candidates = append(candidates, name)
		}
	}

	out := make([]*models.UnifiedRecord, 0, len(records))
	for _, r := range records {
		votes := models.NewVotes()
		for _, name := range candidates {
			count, _ := r.Votes.Get(name)
			votes.Set(name, count)
		}
		unified := &models.UnifiedRecord{UnitRecord: *r}
		unified.Votes = votes
		out = append(out, unified)
	}

	return &Table{Candidates: candidates, Records: out}
}

// Header returns the column names: core fields, then one per candidate.
func (t *Table) Header() []string {
	header := make([]string, 0, len(CoreColumns)+len(t.Candidates))
	header = append(header, CoreColumns...)
	return append(header, t.Candidates...)
}

// Row renders record i as strings in Header order.
func (t *Table) Row(i int) []string {
	r := t.Records[i]
	row := make([]string, 0, len(CoreColumns)+len(t.Candidates))
	row = append(row,
		r.Code,
		r.Location,
		strconv.Itoa(r.Registered),
		strconv.Itoa(r.Envelopes),
		strconv.Itoa(r.Valid),
	)
	for _, name := range t.Candidates {
		count, _ := r.Votes.Get(name)
		row = append(row, strconv.Itoa(count))
	}
	return row
}

// Len returns the number of records.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.Records)
}
