package parser

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// NormalizeVotes converts a numeric cell such as "1 234" into an integer,
// ignoring ordinary and non-breaking spaces. The no-data marker yields 0.
func NormalizeVotes(raw string) (int, error) {
	cleaned := strings.NewReplacer("\u00a0", "", " ", "").Replace(raw)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == NoDataMarker {
		return 0, nil
	}
	if cleaned == "" {
		return 0, fmt.Errorf("%w: empty value", ErrMalformedNumber)
	}
	n, err := strconv.Atoi(cleaned)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", ErrMalformedNumber, raw)
	}
	if n < 0 {
		return 0, fmt.Errorf("%w: negative value %q", ErrMalformedNumber, raw)
	}
	return n, nil
}

// Cell is the text of a table cell and the target of its first link.
type Cell struct {
	Text string
	Href string
}

// Row is a table row reduced to its data cells.
type Row []Cell

// RowData is what ParseRow extracts from a row.
type RowData struct {
	Text string
	URL  string
}

// RowFromSelection decomposes a <tr> into its <td> cells.
func RowFromSelection(tr *goquery.Selection) Row {
	tds := tr.ChildrenFiltered("td")
	row := make(Row, 0, tds.Length())
	tds.Each(func(_ int, td *goquery.Selection) {
		href, _ := td.Find("a[href]").First().Attr("href")
		row = append(row, Cell{Text: td.Text(), Href: href})
	})
	return row
}

// ParseRow extracts the trimmed text at primary and, unless link is NoLink,
// the hyperlink of the link cell resolved against base. ok is false for
// empty rows and for rows whose link cell is absent or has no hyperlink;
// those are checked before the primary column.
func ParseRow(row Row, primary, link int, base string) (data RowData, ok bool, err error) {
	if len(row) == 0 {
		return RowData{}, false, nil
	}
	if link != NoLink {
		if link >= len(row) {
			return RowData{}, false, nil
		}
		href := strings.TrimSpace(row[link].Href)
		if href == "" {
			return RowData{}, false, nil
		}
		data.URL = base + href
	}
	if primary >= len(row) {
		return RowData{}, false, fmt.Errorf("%w: need column %d, have %d", ErrRowTooShort, primary+1, len(row))
	}
	data.Text = strings.TrimSpace(row[primary].Text)
	return data, true, nil
}

// dataRows returns the rows of a table after the header rows, failing when a
// header row looks like data.
func dataRows(table *goquery.Selection) (*goquery.Selection, error) {
	rows := table.Find("tr")
	for i := 0; i < HeaderRows && i < rows.Length(); i++ {
		row := rows.Eq(i)
		if row.ChildrenFiltered("th").Length() == 0 && row.ChildrenFiltered("td").Length() > 0 {
			return nil, fmt.Errorf("%w: row %d", ErrHeaderLayout, i+1)
		}
	}
	if rows.Length() <= HeaderRows {
		return rows.Slice(0, 0), nil
	}
	return rows.Slice(HeaderRows, rows.Length()), nil
}
