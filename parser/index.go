package parser

import (
	"fmt"

	"github.com/PuerkitoBio/goquery"

	"github.com/aluiziolira/go-scrape-elections/models"
)

// DiscoverLinks collects the unit links listed in the tables of an index
// document, in document order. Links are resolved by prefixing base.
func DiscoverLinks(doc *goquery.Document, base string) ([]models.UnitLink, error) {
	tables := doc.Find(ResultTableSelector)
	if tables.Length() == 0 {
		return nil, structural("discover links", ErrNoTables)
	}

	var links []models.UnitLink
	for i := range tables.Nodes {
		rows, err := dataRows(tables.Eq(i))
		if err != nil {
			return nil, structural(fmt.Sprintf("discover links: table %d", i+1), err)
		}
		for j := range rows.Nodes {
			data, ok, err := ParseRow(RowFromSelection(rows.Eq(j)), IndexNameColumn, IndexLinkColumn, base)
			if err != nil {
				return nil, structural(fmt.Sprintf("discover links: table %d row %d", i+1, j+HeaderRows+1), err)
			}
			if !ok {
				continue
			}
			links = append(links, models.UnitLink{DisplayName: data.Text, TargetURL: data.URL})
		}
	}
	return links, nil
}
