package wizard

import (
	"fmt"
	"strings"

	"github.com/xkilldash9x/slotrunner/api/schemas"
	"github.com/xkilldash9x/slotrunner/internal/locator"
)

// State is one stage of the booking wizard.
type State int

const (
	CategorySelection State = iota
	DateSelection
	SlotSelection
	PersonalDetails
	Services
	Review
	Terminal
)

var stateNames = [...]string{
	CategorySelection: "category_selection",
	DateSelection:     "date_selection",
	SlotSelection:     "slot_selection",
	PersonalDetails:   "personal_details",
	Services:          "services",
	Review:            "review",
	Terminal:          "terminal",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// ParseState maps a configured step name to its State.
func ParseState(name string) (State, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown wizard step %q", name)
}

// FieldKind selects how a field is written.
type FieldKind int

const (
	TextField FieldKind = iota
	SelectField
)

// Field is one control filled during a step.
type Field struct {
	Name string
	Spec locator.Spec
	Kind FieldKind
	// Native, when it has candidates, is tried as a plain <select> after
	// the custom dropdown fails.
	Native locator.Spec
	// Required fields sink the attempt when they cannot be filled. Fields
	// with an empty value are always skipped.
	Required bool
	// Value derives the field's value from the subject. filled reports
	// which earlier fields of the same step were written.
	Value func(s schemas.Subject, filled map[string]bool) string
}

// Pick chooses one element out of an enumerated set, such as a slot.
type Pick struct {
	Spec  locator.Spec
	Index func(ordinal, count int) int
}

// Step is one wizard stage: fill, optionally pick, advance, then wait for
// the success predicate.
type Step struct {
	State  State
	Fields []Field
	Pick   *Pick
	// Advance is clicked once the fields are filled.
	Advance *locator.Spec
	// Next becomes resolvable once the step has been accepted.
	Next locator.Spec
	// URLChange accepts a URL change as success as well.
	URLChange bool
	// SkipIfNext treats the step as already done when Next resolves
	// before anything is touched.
	SkipIfNext bool
	// When or WhenPath, if set, must match the current page for the step to
	// run at all. Pages the portal only sometimes shows are skipped
	// otherwise.
	When     *locator.Spec
	WhenPath string
	// Final steps submit the form. They are attempted once and never
	// retried; the terminal classifier judges what happened.
	Final bool
}

func field(name string, s locator.Spec, kind FieldKind, required bool, value func(schemas.Subject) string) Field {
	return Field{
		Name:     name,
		Spec:     s,
		Kind:     kind,
		Required: required,
		Value:    func(subj schemas.Subject, _ map[string]bool) string { return value(subj) },
	}
}

func first(int, int) int { return 0 }

func joinSpecs(name string, specs ...locator.Spec) locator.Spec {
	out := locator.Spec{Name: name}
	for _, s := range specs {
		out.Candidates = append(out.Candidates, s.Candidates...)
	}
	return out
}

// Steps returns the fixed wizard sequence over the controls in c.
func Steps(c Catalog) []Step {
	cont := c.Continue
	confirm := c.Confirm
	services := c.ServicesMarker

	gender := field(schemas.FieldGender, c.Gender, SelectField, false, schemas.Subject.Gender)
	gender.Native = c.GenderNative

	mobileNumber := Field{
		Name: schemas.FieldMobileNumber,
		Spec: c.MobileNumber,
		Kind: TextField,
		Value: func(s schemas.Subject, filled map[string]bool) string {
			// Without a separate code input the number carries its prefix.
			if s.MobileCode() != "" && !filled[schemas.FieldMobileCode] {
				return NormalizeDialCode(s.MobileCode()) + s.MobileNumber()
			}
			return s.MobileNumber()
		},
	}

	return []Step{
		{
			State: CategorySelection,
			Fields: []Field{
				field(schemas.FieldCentre, c.Centre, SelectField, true, schemas.Subject.Centre),
				field(schemas.FieldCategory, c.Category, SelectField, true, schemas.Subject.Category),
				field(schemas.FieldSubCategory, c.SubCategory, SelectField, false, schemas.Subject.SubCategory),
				field(schemas.FieldReason, c.Reason, SelectField, false, schemas.Subject.Reason),
			},
			Advance:   &cont,
			Next:      joinSpecs("appointment_page", c.Calendar, c.DateCells, c.Slots),
			URLChange: true,
		},
		{
			State:      DateSelection,
			Pick:       &Pick{Spec: c.DateCells, Index: first},
			Next:       c.Slots,
			SkipIfNext: true,
		},
		{
			State:     SlotSelection,
			Pick:      &Pick{Spec: c.Slots, Index: SlotIndex},
			Advance:   &cont,
			Next:      c.FirstName,
			URLChange: true,
		},
		{
			State: PersonalDetails,
			Fields: []Field{
				field(schemas.FieldFirstName, c.FirstName, TextField, true, schemas.Subject.FirstName),
				field(schemas.FieldLastName, c.LastName, TextField, true, schemas.Subject.LastName),
				field(schemas.FieldDateOfBirth, c.DateOfBirth, TextField, false, func(s schemas.Subject) string {
					return NormalizeDate(s.DateOfBirth())
				}),
				field(schemas.FieldEmail, c.Email, TextField, true, schemas.Subject.Email),
				field(schemas.FieldMobileCode, c.MobileCode, TextField, false, func(s schemas.Subject) string {
					return NormalizeDialCode(s.MobileCode())
				}),
				mobileNumber,
				field(schemas.FieldPassportNumber, c.PassportNumber, TextField, true, schemas.Subject.PassportNumber),
				field(schemas.FieldPassportExpiry, c.PassportExpiry, TextField, false, func(s schemas.Subject) string {
					return NormalizeDate(s.PassportExpiry())
				}),
				gender,
				field(schemas.FieldNationality, c.Nationality, SelectField, false, schemas.Subject.Nationality),
			},
			Advance:   &cont,
			Next:      joinSpecs("review_or_services", c.ReviewMarker, c.ServicesMarker),
			URLChange: true,
		},
		{
			// Optional extras are left at their defaults.
			State:      Services,
			When:       &services,
			WhenPath:   "/services",
			Advance:    &cont,
			Next:       c.ReviewMarker,
			SkipIfNext: true,
		},
		{
			State:     Review,
			Advance:   &confirm,
			Next:      joinSpecs("confirmation", c.Reference, c.ConfirmPhrases),
			URLChange: true,
			Final:     true,
		},
	}
}
