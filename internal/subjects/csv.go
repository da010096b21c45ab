// Package subjects loads booking subjects from a CSV file.
package subjects

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"

	"github.com/xkilldash9x/slotrunner/api/schemas"
)

// headerAliases maps column names seen in hand-maintained sheets onto
// subject field keys. Matching is on the lower-cased, trimmed header with
// spaces and dashes folded to underscores.
var headerAliases = map[string]string{
	"firstname":    schemas.FieldFirstName,
	"given_name":   schemas.FieldFirstName,
	"lastname":     schemas.FieldLastName,
	"surname":      schemas.FieldLastName,
	"dob":          schemas.FieldDateOfBirth,
	"birth_date":   schemas.FieldDateOfBirth,
	"e_mail":       schemas.FieldEmail,
	"phone":        schemas.FieldMobileNumber,
	"mobile":       schemas.FieldMobileNumber,
	"phone_number": schemas.FieldMobileNumber,
	"dial_code":    schemas.FieldMobileCode,
	"country_code": schemas.FieldMobileCode,
	"passport":     schemas.FieldPassportNumber,
	"passport_no":  schemas.FieldPassportNumber,
	"expiry":       schemas.FieldPassportExpiry,
	"center":       schemas.FieldCentre,
	"subcategory":  schemas.FieldSubCategory,
	"sex":          schemas.FieldGender,
}

const utf8BOM = "\ufeff"

// Load reads subjects from the CSV file at path. See Read.
func Load(path string, maxSubjects int, logger *zap.Logger) ([]schemas.Subject, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open subjects file: %w", err)
	}
	defer f.Close()

	subjects, err := Read(f, maxSubjects, logger)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	logger.Info("Loaded subjects.", zap.String("path", path), zap.Int("count", len(subjects)))
	return subjects, nil
}

// Read parses a header row followed by one subject per row. Blank rows and
// rows with neither a name nor an email are skipped. When maxSubjects is
// positive, rows past it are ignored. Ordinals are assigned in file order,
// counting only kept rows. Rows sharing an email get numbered identifiers,
// see schemas.UniqueIdentifiers.
func Read(r io.Reader, maxSubjects int, logger *zap.Logger) ([]schemas.Subject, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("subjects file is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	keys := make([]string, len(header))
	for i, h := range header {
		if i == 0 {
			h = strings.TrimPrefix(h, utf8BOM)
		}
		keys[i] = canonicalKey(h)
	}

	var out []schemas.Subject
	skipped := 0
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read row: %w", err)
		}
		line, _ := cr.FieldPos(0)
		if blank(row) {
			continue
		}
		s := schemas.NewSubject(len(out), keys, row)
		if s.Email() == "" && s.Name() == "" {
			logger.Warn("Skipping row without name or email.", zap.Int("line", line))
			continue
		}
		if maxSubjects > 0 && len(out) == maxSubjects {
			skipped++
			continue
		}
		out = append(out, s)
	}
	if skipped > 0 {
		logger.Warn("Subjects beyond the configured maximum were ignored.",
			zap.Int("max_subjects", maxSubjects),
			zap.Int("ignored", skipped),
		)
	}

	unique := schemas.UniqueIdentifiers(out)
	for i := range unique {
		if unique[i].Identifier() != out[i].Identifier() {
			logger.Warn("Subject shares its identifier, numbering it.",
				zap.String("shared", out[i].Identifier()),
				zap.String("subject", unique[i].Identifier()),
			)
		}
	}
	return unique, nil
}

func canonicalKey(h string) string {
	k := strings.ToLower(strings.TrimSpace(h))
	k = strings.NewReplacer(" ", "_", "-", "_").Replace(k)
	if alias, ok := headerAliases[k]; ok {
		return alias
	}
	return k
}

func blank(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}
