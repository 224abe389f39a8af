package role

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
)

// MatchStatus describes how a source value was classified.
type MatchStatus string

const (
	StatusMatched      MatchStatus = "matched"
	StatusMissing      MatchStatus = "missing"
	StatusUnrecognized MatchStatus = "unrecognized"
)

// classificationRules maps cleaned source values to roles. Both the intake
// form labels (buyer_line, partner_line, ...) and the values that actually
// appear in exported lead sheets (buyer, channel partner, ...) are covered;
// real data and form specs rarely agree exactly.
var classificationRules = map[string]Role{
	"buyer_line":   RoleBuyer,
	"partner_line": RoleChannelPartner,
	"visit_line":   RoleSiteVisit,
	"enquiry_line": RoleEnquiry,

	"buyer":           RoleBuyer,
	"channel partner": RoleChannelPartner,
	"site visit":      RoleSiteVisit,
	"enquiry":         RoleEnquiry,
}

// CleanToken normalizes a raw string for rule lookup: trim, lowercase,
// collapse runs of whitespace to single spaces. Returns "" when nothing
// remains. The Policy Guard applies the same discipline to inbound messages
// so classification and guarding treat text identically.
func CleanToken(raw string) string {
	cleaned := strings.ToLower(strings.TrimSpace(raw))
	if cleaned == "" {
		return ""
	}
	return strings.Join(strings.Fields(cleaned), " ")
}

// Classify maps a raw source value to a role. UNKNOWN is the fallback for
// both missing and unrecognized values; the status distinguishes them so
// review tooling can tell a blank cell from a typo.
func Classify(rawSource string) (Role, MatchStatus) {
	cleaned := CleanToken(rawSource)
	if cleaned == "" {
		return RoleUnknown, StatusMissing
	}
	if r, ok := classificationRules[cleaned]; ok {
		return r, StatusMatched
	}
	return RoleUnknown, StatusUnrecognized
}

// Summary aggregates the outcome of a classification run.
type Summary struct {
	TotalLeads   int                 `json:"total_leads"`
	RoleCounts   map[Role]int        `json:"role_counts"`
	StatusCounts map[MatchStatus]int `json:"status_counts"`
	Problems     []string            `json:"problems,omitempty"`
}

// Input CSV column names for the raw leads export.
const (
	colName   = "Name"
	colPhone  = "Phone Number"
	colSource = "Buyer/Channel Partner/Enquiry/Site Visit"
)

// Output CSV column names for the classified leads file. The CSV-backed
// Role Store reads these back at session bind time.
var outputColumns = []string{"Lead_ID", "Name", "Phone", "Source_Number", "Assigned_Role"}

// ClassifyFile reads a raw leads CSV, classifies every row, and writes the
// enriched CSV to outputPath. Bad rows are recorded in Summary.Problems and
// still classified (to UNKNOWN where needed) rather than aborting the run.
func ClassifyFile(inputPath, outputPath string) ([]Lead, *Summary, error) {
	in, err := os.Open(inputPath)
	if err != nil {
		return nil, nil, fmt.Errorf("opening leads file: %w", err)
	}
	defer in.Close()

	leads, summary, err := classifyReader(in)
	if err != nil {
		return nil, nil, err
	}

	if err := writeClassified(outputPath, leads); err != nil {
		return nil, nil, err
	}
	return leads, summary, nil
}

func classifyReader(r io.Reader) ([]Lead, *Summary, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("reading leads header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(h)] = i
	}
	for _, required := range []string{colName, colPhone, colSource} {
		if _, ok := idx[required]; !ok {
			return nil, nil, fmt.Errorf("leads file missing column %q", required)
		}
	}

	summary := &Summary{
		RoleCounts:   make(map[Role]int),
		StatusCounts: make(map[MatchStatus]int),
	}
	var leads []Lead

	for rowNum := 1; ; rowNum++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("reading leads row %d: %w", rowNum, err)
		}

		field := func(col string) string {
			i := idx[col]
			if i >= len(record) {
				return ""
			}
			return strings.TrimSpace(record[i])
		}

		name := field(colName)
		phone := field(colPhone)
		source := field(colSource)

		if name == "" {
			summary.Problems = append(summary.Problems, fmt.Sprintf("row %d: name is blank", rowNum))
		}
		if phone == "" {
			summary.Problems = append(summary.Problems, fmt.Sprintf("row %d: phone number is blank", rowNum))
		} else if !isPhoneLike(phone) {
			summary.Problems = append(summary.Problems, fmt.Sprintf("row %d: phone %q has non-numeric chars", rowNum, phone))
		}

		assigned, status := Classify(source)
		summary.StatusCounts[status]++
		summary.RoleCounts[assigned]++

		leads = append(leads, Lead{
			LeadID: fmt.Sprintf("LEAD-%04d", rowNum),
			Name:   name,
			Phone:  phone,
			Source: source,
			Role:   assigned,
		})
	}

	summary.TotalLeads = len(leads)
	return leads, summary, nil
}

// isPhoneLike accepts digits plus the separators that show up in exported
// sheets ("-", "+", spaces).
func isPhoneLike(phone string) bool {
	stripped := strings.NewReplacer("-", "", "+", "", " ", "").Replace(phone)
	if stripped == "" {
		return false
	}
	for _, c := range stripped {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

func writeClassified(path string, leads []Lead) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating output file: %w", err)
	}

	w := csv.NewWriter(f)
	if err := w.Write(outputColumns); err != nil {
		f.Close()
		return fmt.Errorf("writing output header: %w", err)
	}
	for _, l := range leads {
		if err := w.Write([]string{l.LeadID, l.Name, l.Phone, l.Source, string(l.Role)}); err != nil {
			f.Close()
			return fmt.Errorf("writing lead %s: %w", l.LeadID, err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		f.Close()
		return fmt.Errorf("flushing output: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("closing output: %w", err)
	}
	return os.Rename(tmp, path)
}
