// Package sessiontest scripts a fake booking portal on top of browsertest
// pages, for exercising whole sessions.
package sessiontest

import (
	"strings"

	"github.com/xkilldash9x/slotrunner/internal/browser"
	"github.com/xkilldash9x/slotrunner/internal/browser/browsertest"
	"github.com/xkilldash9x/slotrunner/internal/locator"
	"github.com/xkilldash9x/slotrunner/internal/wizard"
)

const Base = "https://portal.example.test/gnb/en/prt"

var (
	css = locator.CSS

	LoginEmail    = css("#login-email")
	LoginPassword = css("#login-password")
	LoginSubmit   = css("#login-submit")
	Dashboard     = css("app-dashboard")
	CookieAccept  = css("#onetrust-accept-btn-handler")
	Centre        = css("#centre")
	Category      = css("#category")
	Calendar      = css("mat-calendar")
	DateCell      = css("td.available")
	Slot          = css("button.slot")
	FirstName     = css("#first")
	LastName      = css("#last")
	Email         = css("#email")
	Passport      = css("#passport")
	ServicesPage  = css("app-services")
	Continue      = css("#continue")
	Review        = css("app-review")
	Confirm       = css("#confirm")
	Reference     = css(".booking-reference")
	Option        = css("mat-option")
)

// Catalog has one candidate per control, matching the scripted portal.
func Catalog() wizard.Catalog {
	spec := locator.NewSpec
	absent := locator.Spec{Name: "absent"}
	return wizard.Catalog{
		LoginEmail:     spec("login_email", LoginEmail),
		LoginPassword:  spec("login_password", LoginPassword),
		LoginSubmit:    spec("login_submit", LoginSubmit),
		LoginSuccess:   spec("login_success", Dashboard),
		CookieAccept:   spec("cookie_accept", CookieAccept),
		Centre:         spec("centre", Centre),
		Category:       spec("category", Category),
		SubCategory:    spec("sub_category", css("#sub")),
		Reason:         spec("reason", css("#reason")),
		Calendar:       spec("calendar", Calendar),
		DateCells:      spec("date_cells", DateCell),
		Slots:          spec("slots", Slot),
		FirstName:      spec("first_name", FirstName),
		LastName:       spec("last_name", LastName),
		DateOfBirth:    spec("dob", css("#dob")),
		Email:          spec("email", Email),
		MobileCode:     spec("code", css("#code")),
		MobileNumber:   spec("mobile", css("#mobile")),
		PassportNumber: spec("passport", Passport),
		PassportExpiry: spec("expiry", css("#expiry")),
		Gender:         spec("gender", css("#gender")),
		GenderNative:   absent,
		Nationality:    spec("nationality", css("#nationality")),
		ServicesMarker: spec("services", ServicesPage),
		Continue:       spec("continue", Continue),
		ReviewMarker:   spec("review", Review),
		Confirm:        spec("confirm", Confirm),
		Reference:      spec("reference", Reference),
		ConfirmPhrases: spec("phrase", css(".phrase")),
	}
}

// Site describes how the fake portal behaves for one context.
type Site struct {
	// Challenged keeps every page behind an interstitial that never clears.
	Challenged bool
	// Authenticated sends the login page straight to the dashboard.
	Authenticated bool
	// RejectLogin leaves the user on the login page after submitting.
	RejectLogin bool
	Slots       int
	// Services puts the optional extra services page between the personal
	// details and the review.
	Services bool
	// Reference is shown after confirmation. Empty means the portal moves
	// to an unrecognised page instead.
	Reference string
	// Availability is the booking page text the poller sees.
	Availability string
	// OnLogin sees the credentials the login form was submitted with.
	OnLogin func(email, password string)
}

// NewPage returns a page that plays s.
func (s Site) NewPage(profile browser.Profile) *browsertest.Page {
	p := browsertest.NewPage(profile.ID, "about:blank")
	p.OnNavigate = func(p *browsertest.Page, url string) {
		p.Clear()
		p.SetTitle("")
		p.SetContent("")
		switch {
		case s.Challenged:
			p.SetTitle("Just a moment...")
			p.SetContent("<p>Checking your browser before accessing</p>")
		case strings.Contains(url, "/login"):
			s.loginPage(p)
		case strings.Contains(url, "/book-an-appointment"):
			s.bookingPage(p)
		}
	}
	return p
}

func (s Site) loginPage(p *browsertest.Page) {
	p.Add(CookieAccept, &browsertest.Element{Key: "cookies", OnClick: func(p *browsertest.Page) { p.Remove(CookieAccept) }})
	if s.Authenticated {
		p.SetURL(Base + "/dashboard")
		p.Add(Dashboard, &browsertest.Element{})
		return
	}
	p.Add(LoginEmail, &browsertest.Element{Key: "login-email"})
	p.Add(LoginPassword, &browsertest.Element{Key: "login-password"})
	p.Add(LoginSubmit, &browsertest.Element{Key: "login-submit", OnClick: func(p *browsertest.Page) {
		if s.OnLogin != nil {
			s.OnLogin(p.Get("login-email").Value, p.Get("login-password").Value)
		}
		if s.RejectLogin {
			return
		}
		p.Clear()
		p.SetURL(Base + "/dashboard")
		p.Add(Dashboard, &browsertest.Element{})
	}})
}

func dropdown(p *browsertest.Page, loc browser.Locator, options ...string) {
	control := &browsertest.Element{Key: loc.Expr}
	control.OnClick = func(p *browsertest.Page) {
		for _, o := range options {
			o := o
			p.Add(Option, &browsertest.Element{Text: o, OnClick: func(p *browsertest.Page) {
				control.Text = o
				p.Remove(Option)
			}})
		}
	}
	p.Add(loc, control)
}

func (s Site) bookingPage(p *browsertest.Page) {
	p.SetContent("<h1>" + s.Availability + "</h1>")
	dropdown(p, Centre, "Bissau", "Lisbon")
	dropdown(p, Category, "Schengen Visa", "National Visa")

	stage := 0
	p.Add(Continue, &browsertest.Element{Key: "continue", OnClick: func(p *browsertest.Page) {
		stage++
		switch stage {
		case 1:
			p.SetURL(Base + "/book-an-appointment/schedule")
			p.Add(Calendar, &browsertest.Element{})
			p.Add(DateCell, &browsertest.Element{Key: "date-0", OnClick: func(p *browsertest.Page) {
				for i := 0; i < s.Slots; i++ {
					p.Add(Slot, &browsertest.Element{})
				}
			}})
		case 2:
			p.SetURL(Base + "/your-details")
			for _, loc := range []browser.Locator{FirstName, LastName, Email, Passport} {
				p.Add(loc, &browsertest.Element{Key: loc.Expr})
			}
		case 3:
			if s.Services {
				p.SetURL(Base + "/services")
				p.Add(ServicesPage, &browsertest.Element{})
				return
			}
			fallthrough
		case 4:
			p.Remove(ServicesPage)
			p.SetURL(Base + "/review")
			p.Add(Review, &browsertest.Element{})
			p.Add(Confirm, &browsertest.Element{Key: "confirm", OnClick: func(p *browsertest.Page) {
				if s.Reference == "" {
					p.SetURL(Base + "/application-status")
					return
				}
				p.SetURL(Base + "/booking-confirmation")
				p.Add(Reference, &browsertest.Element{Text: "Reference number " + s.Reference})
			}})
		}
	}})
}
