package parser

import (
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-elections/models"
)

// ParseUnit extracts a UnitRecord from a unit result document. The unit code
// is taken from unitURL rather than from the heading.
func ParseUnit(doc *goquery.Document, unitURL string) (*models.UnitRecord, error) {
	location, err := unitLocation(doc)
	if err != nil {
		return nil, err
	}
	code, err := UnitCode(unitURL)
	if err != nil {
		return nil, err
	}

	record := &models.UnitRecord{
		Code:     code,
		Location: location,
		Votes:    models.NewVotes(),
	}
	if err := parseSummary(doc, record); err != nil {
		return nil, err
	}
	if err := parseVotes(doc, record.Votes); err != nil {
		return nil, err
	}
	return record, nil
}

// UnitCode returns the value following the code marker in a unit URL.
func UnitCode(unitURL string) (string, error) {
	_, rest, found := strings.Cut(unitURL, CodeMarker)
	if !found {
		return "", structural("unit code", fmt.Errorf("%w in %q", ErrMissingCode, unitURL))
	}
	code, _, _ := strings.Cut(rest, "&")
	if code == "" {
		return "", structural("unit code", fmt.Errorf("%w: empty value in %q", ErrMissingCode, unitURL))
	}
	return code, nil
}

func unitLocation(doc *goquery.Document) (string, error) {
	heading := doc.Find(HeadingSelector).First()
	if heading.Length() == 0 {
		return "", structural("unit heading", ErrMissingHeader)
	}
	fields := strings.Fields(heading.Text())
	if len(fields) == 0 {
		return "", nil
	}
	return strings.Join(fields[1:], " "), nil
}

func parseSummary(doc *goquery.Document, record *models.UnitRecord) error {
	table := doc.Find(SummaryTableSelector).First()
	if table.Length() == 0 {
		return structural("summary table", ErrMissingSummaryTable)
	}
	rows := table.Find("tr")
	if rows.Length() <= SummaryDataRow {
		return structural("summary table", fmt.Errorf("%w: %d rows", ErrMalformedSummaryTable, rows.Length()))
	}
	if _, err := dataRows(table); err != nil {
		return structural("summary table", err)
	}
	cells := RowFromSelection(rows.Eq(SummaryDataRow))
	if len(cells) < SummaryMinCells {
		return structural("summary table", fmt.Errorf("%w: %d cells", ErrMalformedSummaryTable, len(cells)))
	}

	fields := []struct {
		name   string
		column int
		dst    *int
	}{
		{"registered", RegisteredColumn, &record.Registered},
		{"envelopes", EnvelopesColumn, &record.Envelopes},
		{"valid", ValidColumn, &record.Valid},
	}
	for _, f := range fields {
		n, err := NormalizeVotes(cells[f.column].Text)
		if err != nil {
			return structural("summary "+f.name, err)
		}
		*f.dst = n
	}
	return nil
}

func parseVotes(doc *goquery.Document, votes *models.Votes) error {
	tables := doc.Find(ResultTableSelector)
	for i := 1; i < tables.Length(); i++ {
		rows, err := dataRows(tables.Eq(i))
		if err != nil {
			return structural(fmt.Sprintf("party table %d", i), err)
		}
		for j := range rows.Nodes {
			cells := RowFromSelection(rows.Eq(j))
			if len(cells) < PartyMinCells {
				continue
			}
			data, ok, err := ParseRow(cells, PartyNameColumn, NoLink, "")
			if err != nil {
				return structural(fmt.Sprintf("party table %d", i), err)
			}
			if !ok || data.Text == "" {
				continue
			}
			count, err := NormalizeVotes(cells[PartyVotesColumn].Text)
			if err != nil {
				return structural(fmt.Sprintf("votes for %q", data.Text), err)
			}
			votes.Set(data.Text, count)
		}
	}
	return nil
}
