package parser

// Layout of the election result pages. Cell and row indices are zero based.
const (
	// ResultTableSelector matches the index tables and the party tables.
	ResultTableSelector = "table.table"
	// SummaryTableSelector matches the per-unit table of aggregate counters.
	SummaryTableSelector = "table#ps311_t1"
	// HeadingSelector matches the heading carrying the unit code and name.
	HeadingSelector = "h3"

	// HeaderRows is the number of leading rows skipped in every table.
	HeaderRows = 2

	// IndexLinkColumn holds the link to the unit page on the index.
	IndexLinkColumn = 0
	// IndexNameColumn holds the unit display name on the index.
	IndexNameColumn = 1

	SummaryDataRow   = 2
	SummaryMinCells  = 8
	RegisteredColumn = 3
	EnvelopesColumn  = 4
	ValidColumn      = 7

	PartyNameColumn  = 1
	PartyVotesColumn = 2
	PartyMinCells    = 3

	// CodeMarker precedes the unit code in a unit URL query.
	CodeMarker = "xobec="
	// NoDataMarker stands for a missing numeric value.
	NoDataMarker = "-"
)

// NoLink tells ParseRow that no hyperlink is required.
const NoLink = -1
