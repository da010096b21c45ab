package schemas

import (
	"fmt"
	"strings"
)

// -- Subject field names --

// Field keys recognised on a Subject. Subject sources map their columns onto
// these names; unknown columns are kept and ignored by the wizard.
const (
	FieldFirstName      = "first_name"
	FieldLastName       = "last_name"
	FieldDateOfBirth    = "date_of_birth"
	FieldEmail          = "email"
	FieldMobileCode     = "mobile_code"
	FieldMobileNumber   = "mobile_number"
	FieldPassportNumber = "passport_number"
	FieldPassportExpiry = "passport_expiry"
	FieldGender         = "gender"
	FieldNationality    = "nationality"
	FieldCentre         = "centre"
	FieldCategory       = "category"
	FieldSubCategory    = "sub_category"
	FieldReason         = "reason"
	FieldLoginEmail     = "login_email"
	FieldLoginPassword  = "login_password"
)

// Subject is one booking applicant. It is built once by a subject source and
// never modified afterwards; every accessor returns a copy or a string.
type Subject struct {
	ordinal int
	keys    []string
	fields  map[string]string
	// id overrides the derived identifier once UniqueIdentifiers has had
	// to tell this subject apart from another.
	id string
}

// NewSubject builds a Subject from ordered key/value pairs. Keys are
// lower-cased and trimmed; values are trimmed. Later duplicates win.
func NewSubject(ordinal int, keys []string, values []string) Subject {
	s := Subject{
		ordinal: ordinal,
		fields:  make(map[string]string, len(keys)),
	}
	for i, k := range keys {
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			continue
		}
		val := ""
		if i < len(values) {
			val = strings.TrimSpace(values[i])
		}
		if _, seen := s.fields[key]; !seen {
			s.keys = append(s.keys, key)
		}
		s.fields[key] = val
	}
	return s
}

// SubjectFromMap builds a Subject from a map. Key order is unspecified.
func SubjectFromMap(ordinal int, m map[string]string) Subject {
	keys := make([]string, 0, len(m))
	values := make([]string, 0, len(m))
	for k, v := range m {
		keys = append(keys, k)
		values = append(values, v)
	}
	return NewSubject(ordinal, keys, values)
}

// Ordinal is the subject's 0-based position in the input list.
func (s Subject) Ordinal() int { return s.ordinal }

// Get returns the value for a field, or "" when absent.
func (s Subject) Get(key string) string { return s.fields[strings.ToLower(key)] }

// Has reports whether the field is present and non-empty.
func (s Subject) Has(key string) bool { return s.Get(key) != "" }

// Fields returns a copy of the subject's fields.
func (s Subject) Fields() map[string]string {
	out := make(map[string]string, len(s.fields))
	for k, v := range s.fields {
		out[k] = v
	}
	return out
}

// Keys returns the field names in source order.
func (s Subject) Keys() []string {
	out := make([]string, len(s.keys))
	copy(out, s.keys)
	return out
}

func (s Subject) FirstName() string      { return s.Get(FieldFirstName) }
func (s Subject) LastName() string       { return s.Get(FieldLastName) }
func (s Subject) DateOfBirth() string    { return s.Get(FieldDateOfBirth) }
func (s Subject) Email() string          { return s.Get(FieldEmail) }
func (s Subject) MobileCode() string     { return s.Get(FieldMobileCode) }
func (s Subject) MobileNumber() string   { return s.Get(FieldMobileNumber) }
func (s Subject) PassportNumber() string { return s.Get(FieldPassportNumber) }
func (s Subject) PassportExpiry() string { return s.Get(FieldPassportExpiry) }
func (s Subject) Gender() string         { return s.Get(FieldGender) }
func (s Subject) Nationality() string    { return s.Get(FieldNationality) }
func (s Subject) Centre() string         { return s.Get(FieldCentre) }
func (s Subject) Category() string       { return s.Get(FieldCategory) }
func (s Subject) SubCategory() string    { return s.Get(FieldSubCategory) }
func (s Subject) Reason() string         { return s.Get(FieldReason) }

// Name is the display name used in logs and result records.
func (s Subject) Name() string {
	return strings.TrimSpace(s.FirstName() + " " + s.LastName())
}

// Identifier is the stable key a result record is filed under. It prefers
// the email, then the full name, then the ordinal. Only UniqueIdentifiers
// makes it distinct across a list.
func (s Subject) Identifier() string {
	if s.id != "" {
		return s.id
	}
	if e := s.Email(); e != "" {
		return e
	}
	if n := s.Name(); n != "" {
		return n
	}
	return fmt.Sprintf("subject-%d", s.ordinal)
}

// UniqueIdentifiers returns a copy of subjects in which no two share an
// Identifier. Subjects whose identifier is shared, such as family members
// on one contact email, get their 1-based position appended as "#N".
// Already unique identifiers are left alone, so applying it twice changes
// nothing.
func UniqueIdentifiers(subjects []Subject) []Subject {
	out := make([]Subject, len(subjects))
	copy(out, subjects)

	count := make(map[string]int, len(out))
	for _, s := range out {
		count[strings.ToLower(s.Identifier())]++
	}
	taken := make(map[string]bool, len(out))
	for _, s := range out {
		if id := strings.ToLower(s.Identifier()); count[id] == 1 {
			taken[id] = true
		}
	}
	for i, s := range out {
		base := s.Identifier()
		if count[strings.ToLower(base)] == 1 {
			continue
		}
		id := fmt.Sprintf("%s#%d", base, s.ordinal+1)
		for n := 2; taken[strings.ToLower(id)]; n++ {
			id = fmt.Sprintf("%s#%d-%d", base, s.ordinal+1, n)
		}
		taken[strings.ToLower(id)] = true
		out[i].id = id
	}
	return out
}

// Credentials returns the subject's own login, if it carries one.
func (s Subject) Credentials() (email, password string, ok bool) {
	email, password = s.Get(FieldLoginEmail), s.Get(FieldLoginPassword)
	return email, password, email != "" && password != ""
}
