package wizard

import (
	"github.com/xkilldash9x/slotrunner/internal/locator"
)

var (
	css  = locator.CSS
	text = locator.TextContains
	own  = locator.OwnTextContains
	spec = locator.NewSpec
)

// Catalog holds the candidate locators for every logical control the
// engine touches. Candidates run from the most stable (reactive form
// control names) to the most generic (visible text).
type Catalog struct {
	// Login page.
	LoginEmail    locator.Spec
	LoginPassword locator.Spec
	LoginSubmit   locator.Spec
	// LoginSuccess matches elements that only render once authenticated.
	LoginSuccess locator.Spec
	CookieAccept locator.Spec

	// CategorySelection.
	Centre      locator.Spec
	Category    locator.Spec
	SubCategory locator.Spec
	Reason      locator.Spec

	// DateSelection and SlotSelection.
	Calendar  locator.Spec
	DateCells locator.Spec
	Slots     locator.Spec

	// PersonalDetails.
	FirstName      locator.Spec
	LastName       locator.Spec
	DateOfBirth    locator.Spec
	Email          locator.Spec
	MobileCode     locator.Spec
	MobileNumber   locator.Spec
	PassportNumber locator.Spec
	PassportExpiry locator.Spec
	Gender         locator.Spec
	GenderNative   locator.Spec
	Nationality    locator.Spec

	// ServicesMarker only renders on the optional extra services page.
	ServicesMarker locator.Spec

	// Review and confirmation.
	Continue       locator.Spec
	ReviewMarker   locator.Spec
	Confirm        locator.Spec
	Reference      locator.Spec
	ConfirmPhrases locator.Spec
}

// DefaultCatalog returns the selector table for the Angular Material
// booking portal.
func DefaultCatalog() Catalog {
	return Catalog{
		LoginEmail: spec("login_email",
			css("input[formcontrolname='username']"),
			css("input[formcontrolname='email']"),
			css("input[type='email']"),
			css("input[id='mat-input-0']"),
			css("input[placeholder*='mail' i]"),
		),
		LoginPassword: spec("login_password",
			css("input[formcontrolname='password']"),
			css("input[type='password']"),
			css("input[id='mat-input-1']"),
			css("input[placeholder*='assword' i]"),
		),
		LoginSubmit: spec("login_submit",
			css("button[type='submit']"),
			css("button[id*='login' i]"),
			text("button", "Sign in"),
		),
		LoginSuccess: spec("login_success",
			css("app-dashboard"),
			css("app-home"),
			css("[class*='dashboard']"),
			css("button[class*='new-booking' i]"),
			css("a[href*='book-an-appointment']"),
			css("[routerlink*='book']"),
		),
		CookieAccept: spec("cookie_accept",
			css("#onetrust-accept-btn-handler"),
			css("button.cookie-accept"),
			css(".accept-cookies"),
			text("button", "Accept All"),
			text("button", "Accept Cookies"),
		),

		Centre: spec("centre",
			css("mat-select[formcontrolname='selectedCentre']"),
			css("mat-select[formcontrolname='centre']"),
			css("mat-select[formcontrolname='applicationCenter']"),
			css("mat-select[formcontrolname='appointmentLocation']"),
			css("mat-select[id*='centre' i]"),
			css("mat-select[id*='center' i]"),
		),
		Category: spec("category",
			css("mat-select[formcontrolname='visaCategory']"),
			css("mat-select[formcontrolname='appointmentCategory']"),
			css("mat-select[formcontrolname='category']"),
			css("mat-select[formcontrolname='visaType']"),
			css("select[name='category']"),
		),
		SubCategory: spec("sub_category",
			css("mat-select[formcontrolname='visaSubCategory']"),
			css("mat-select[formcontrolname='appointmentSubCategory']"),
			css("mat-select[formcontrolname='subCategory']"),
			css("mat-select[formcontrolname='serviceType']"),
			css("select[name='subCategory']"),
		),
		Reason: spec("reason",
			css("mat-select[formcontrolname='purposeOfTravel']"),
			css("mat-select[formcontrolname='tripReason']"),
			css("mat-select[formcontrolname='reasonForVisit']"),
			css("mat-select[formcontrolname='purposeOfVisit']"),
		),

		Calendar: spec("calendar",
			css("mat-calendar"),
			css("app-book-appointment"),
			css("[class*='calendar']"),
		),
		DateCells: spec("available_date",
			css("mat-calendar .mat-calendar-body-cell:not(.mat-calendar-body-disabled)"),
			css(".calendar-day.available"),
			css(".calendar-day.bookable"),
			css(".available-date"),
		),
		Slots: spec("slot",
			css("input[type='radio'][name*='slot']:not([disabled])"),
			css("input[type='radio'][name*='time']:not([disabled])"),
			css("[data-testid='appointment-slot']"),
			css(".time-slot:not(.disabled):not(.unavailable)"),
			css(".slot-item:not(.disabled)"),
			css(".available-slot"),
			css("button[class*='slot']:not([disabled])"),
			css("mat-radio-button:not(.mat-radio-disabled)"),
		),

		FirstName: spec("first_name",
			css("input[formcontrolname='firstName']"),
			css("input[formcontrolname='givenName']"),
			css("input[name='firstName']"),
			css("#firstName"),
		),
		LastName: spec("last_name",
			css("input[formcontrolname='lastName']"),
			css("input[formcontrolname='surname']"),
			css("input[name='lastName']"),
			css("#lastName"),
		),
		DateOfBirth: spec("date_of_birth",
			css("input[formcontrolname='dateOfBirth']"),
			css("input[formcontrolname='dob']"),
			css("input[name='dateOfBirth']"),
			css("#dateOfBirth"),
		),
		Email: spec("email",
			css("input[formcontrolname='email']"),
			css("input[formcontrolname='contactEmail']"),
			css("input[formcontrolname='emailAddress']"),
			css("input[name='email']"),
		),
		MobileCode: spec("mobile_code",
			css("input[formcontrolname='mobileCountryCode']"),
			css("input[formcontrolname='countryCode']"),
			css("input[formcontrolname='phoneCountryCode']"),
		),
		MobileNumber: spec("mobile_number",
			css("input[formcontrolname='mobileNumber']"),
			css("input[formcontrolname='contactNumber']"),
			css("input[formcontrolname='phoneNumber']"),
			css("input[name='phoneNumber']"),
		),
		PassportNumber: spec("passport_number",
			css("input[formcontrolname='passportNumber']"),
			css("input[formcontrolname='passportNo']"),
			css("input[name='passportNumber']"),
			css("#passportNumber"),
		),
		PassportExpiry: spec("passport_expiry",
			css("input[formcontrolname='passportExpiryDate']"),
			css("input[formcontrolname='passportExpiry']"),
			css("input[formcontrolname='expiryDate']"),
			css("#passportExpiry"),
		),
		Gender: spec("gender",
			css("mat-select[formcontrolname='gender']"),
			css("mat-select[id*='gender' i]"),
		),
		GenderNative: spec("gender_native",
			css("select[name='gender']"),
			css("select[formcontrolname='gender']"),
		),
		Nationality: spec("nationality",
			css("mat-select[formcontrolname='nationality']"),
			css("mat-select[formcontrolname='currentNationality']"),
			css("mat-select[formcontrolname='country']"),
		),

		ServicesMarker: spec("services",
			css("app-services"),
			css("app-additional-services"),
			css("[class*='additional-services']"),
		),

		Continue: spec("continue",
			css("button[type='submit']:not([disabled])"),
			css("button[class*='continue' i]:not([disabled])"),
			css("button[class*='next' i]:not([disabled])"),
			text("button", "Continue"),
			text("button", "Next"),
		),
		ReviewMarker: spec("review",
			css("app-review"),
			css("[class*='review-summary']"),
			css("button[class*='confirm' i]"),
			text("button", "Confirm"),
		),
		Confirm: spec("confirm",
			css("button[class*='confirm' i]:not([disabled])"),
			text("button", "Confirm"),
			text("button", "Book"),
			text("button", "Submit"),
			css("button[type='submit']:not([disabled])"),
		),
		Reference: spec("reference",
			css(".booking-reference"),
			css(".confirmation-number"),
			css(".reference-number"),
			css(".booking-confirmation"),
			css("[class*='reference']"),
			css("[class*='confirmation']"),
			css("[class*='booking-id']"),
		),
		ConfirmPhrases: spec("confirmation_phrase",
			own("", "Reference Number"),
			own("", "Ref No"),
			own("", "Booking Confirmed"),
			own("", "Appointment Confirmed"),
			own("", "Reference:"),
		),
	}
}
