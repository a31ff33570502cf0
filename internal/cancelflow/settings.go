package cancelflow

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/mbd888/churnshield/internal/billing"
)

// OtherReasonID is the id of the synthetic free-text option.
const OtherReasonID = "other"

// ReasonSpec is a configured feedback reason.
type ReasonSpec struct {
	ID    string `yaml:"id" json:"id"`
	Label string `yaml:"label" json:"label"`
}

// FeedbackOption is a reason as shown to the customer.
type FeedbackOption struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Letter string `json:"letter"`
}

// Plan is an alternative plan offered in the Plans step.
type Plan struct {
	ID                     string   `yaml:"id" json:"id"`
	Name                   string   `yaml:"name" json:"name"`
	OriginalPrice          float64  `yaml:"originalPrice" json:"originalPrice"`
	DiscountPercent        float64  `yaml:"discountPercent" json:"discountPercent"`
	DiscountDurationMonths int      `yaml:"discountDurationMonths" json:"discountDurationMonths"`
	Highlights             []string `yaml:"highlights" json:"highlights"`
	PriceID                string   `yaml:"priceId" json:"priceId"`
}

// DiscountedPrice is the plan price after its discount, rounded to cents.
func (p Plan) DiscountedPrice() float64 {
	return round2(p.OriginalPrice * (1 - p.DiscountPercent/100))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// Offer is the final retention discount.
type Offer struct {
	DiscountPercent float64 `yaml:"discountPercent" json:"discountPercent"`
	DurationMonths  int     `yaml:"durationMonths" json:"durationMonths"`
	CouponID        string  `yaml:"couponId" json:"-"`
}

// Copy is the text shown at each step.
type Copy struct {
	FeedbackTitle    string `yaml:"feedbackTitle" json:"feedbackTitle"`
	FeedbackSubtitle string `yaml:"feedbackSubtitle" json:"feedbackSubtitle"`
	PlansTitle       string `yaml:"plansTitle" json:"plansTitle"`
	PlansSubtitle    string `yaml:"plansSubtitle" json:"plansSubtitle"`
	OfferTitle       string `yaml:"offerTitle" json:"offerTitle"`
	OfferSubtitle    string `yaml:"offerSubtitle" json:"offerSubtitle"`
	AcceptLabel      string `yaml:"acceptLabel" json:"acceptLabel"`
	DeclineLabel     string `yaml:"declineLabel" json:"declineLabel"`
}

// ErrorCopy overrides the user-facing text for one billing error kind.
type ErrorCopy struct {
	Title   string `yaml:"title" json:"title"`
	Message string `yaml:"message" json:"message"`
}

// Settings is the typed flow configuration. All defaults are resolved by
// LoadSettings or DefaultSettings; read sites never fall back.
type Settings struct {
	Reasons    []ReasonSpec         `yaml:"reasons"`
	AllowOther *bool                `yaml:"allowOther"`
	OtherLabel string               `yaml:"otherLabel"`
	Plans      []Plan               `yaml:"plans"`
	Offer      Offer                `yaml:"offer"`
	Copy       Copy                 `yaml:"copy"`
	Errors     map[string]ErrorCopy `yaml:"errors"`

	options []FeedbackOption
}

// DefaultSettings returns the built-in flow configuration.
func DefaultSettings() *Settings {
	s := &Settings{}
	if err := s.resolve(); err != nil {
		panic(err) // built-in defaults are valid
	}
	return s
}

// LoadSettings reads a YAML settings file and merges it over the defaults.
// An empty path returns the defaults.
func LoadSettings(path string) (*Settings, error) {
	if path == "" {
		return DefaultSettings(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read flow settings: %w", err)
	}
	return ParseSettings(raw)
}

// ParseSettings decodes YAML settings and resolves defaults.
func ParseSettings(raw []byte) (*Settings, error) {
	var s Settings
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse flow settings: %w", err)
	}
	if err := s.resolve(); err != nil {
		return nil, err
	}
	return &s, nil
}

var defaultReasons = []ReasonSpec{
	{ID: "too_expensive", Label: "It's too expensive"},
	{ID: "missing_features", Label: "It's missing features I need"},
	{ID: "not_using", Label: "I'm not using it enough"},
	{ID: "switching", Label: "I'm switching to another product"},
	{ID: "technical_issues", Label: "I ran into technical issues"},
}

var defaultCopy = Copy{
	FeedbackTitle:    "Before you go",
	FeedbackSubtitle: "Help us improve by telling us why you're cancelling.",
	PlansTitle:       "How about a different plan?",
	PlansSubtitle:    "These plans might be a better fit.",
	OfferTitle:       "Here's a special offer",
	OfferSubtitle:    "Stay with us and save.",
	AcceptLabel:      "Accept offer",
	DeclineLabel:     "No thanks, cancel my subscription",
}

func (s *Settings) resolve() error {
	if len(s.Reasons) == 0 {
		s.Reasons = append([]ReasonSpec(nil), defaultReasons...)
	}
	if s.AllowOther == nil {
		allow := true
		s.AllowOther = &allow
	}
	if s.OtherLabel == "" {
		s.OtherLabel = "Other"
	}
	if s.Offer.DiscountPercent == 0 {
		s.Offer.DiscountPercent = 30
	}
	if s.Offer.DurationMonths == 0 {
		s.Offer.DurationMonths = 3
	}
	fillCopy(&s.Copy.FeedbackTitle, defaultCopy.FeedbackTitle)
	fillCopy(&s.Copy.FeedbackSubtitle, defaultCopy.FeedbackSubtitle)
	fillCopy(&s.Copy.PlansTitle, defaultCopy.PlansTitle)
	fillCopy(&s.Copy.PlansSubtitle, defaultCopy.PlansSubtitle)
	fillCopy(&s.Copy.OfferTitle, defaultCopy.OfferTitle)
	fillCopy(&s.Copy.OfferSubtitle, defaultCopy.OfferSubtitle)
	fillCopy(&s.Copy.AcceptLabel, defaultCopy.AcceptLabel)
	fillCopy(&s.Copy.DeclineLabel, defaultCopy.DeclineLabel)

	if err := s.Validate(); err != nil {
		return err
	}
	s.options = NewFeedbackOptions(s.Reasons, *s.AllowOther, s.OtherLabel)
	return nil
}

func fillCopy(dst *string, def string) {
	if strings.TrimSpace(*dst) == "" {
		*dst = def
	}
}

// Validate checks ids are unique and numbers are in range.
func (s *Settings) Validate() error {
	seen := map[string]bool{}
	for _, r := range s.Reasons {
		id := strings.TrimSpace(r.ID)
		switch {
		case id == "":
			return fmt.Errorf("%w: reason id is required", ErrInvalidSettings)
		case id == OtherReasonID:
			return fmt.Errorf("%w: reason id %q is reserved", ErrInvalidSettings, OtherReasonID)
		case seen[id]:
			return fmt.Errorf("%w: duplicate reason id %q", ErrInvalidSettings, id)
		}
		seen[id] = true
	}

	plans := map[string]bool{}
	for _, p := range s.Plans {
		switch {
		case p.ID == "":
			return fmt.Errorf("%w: plan id is required", ErrInvalidSettings)
		case plans[p.ID]:
			return fmt.Errorf("%w: duplicate plan id %q", ErrInvalidSettings, p.ID)
		case p.OriginalPrice < 0:
			return fmt.Errorf("%w: plan %q has a negative price", ErrInvalidSettings, p.ID)
		case p.DiscountPercent < 0 || p.DiscountPercent > 100:
			return fmt.Errorf("%w: plan %q discount must be within 0-100", ErrInvalidSettings, p.ID)
		}
		plans[p.ID] = true
	}

	if s.Offer.DiscountPercent <= 0 || s.Offer.DiscountPercent > 100 {
		return fmt.Errorf("%w: offer discount must be within 1-100", ErrInvalidSettings)
	}
	if s.Offer.DurationMonths < 0 {
		return fmt.Errorf("%w: offer duration cannot be negative", ErrInvalidSettings)
	}
	for code := range s.Errors {
		if billing.KindFromCode(code).Code() != code {
			return fmt.Errorf("%w: unknown error code %q", ErrInvalidSettings, code)
		}
	}
	return nil
}

// Options returns the feedback options with letters assigned.
func (s *Settings) Options() []FeedbackOption {
	return append([]FeedbackOption(nil), s.options...)
}

// Plan returns the configured plan with the given id.
func (s *Settings) Plan(id string) (Plan, bool) {
	for _, p := range s.Plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// OfferTerms implements billing.Catalog.
func (s *Settings) OfferTerms() billing.OfferTerms {
	return billing.OfferTerms{
		PercentOff:     s.Offer.DiscountPercent,
		DurationMonths: s.Offer.DurationMonths,
		CouponID:       s.Offer.CouponID,
	}
}

// PlanPrice implements billing.Catalog.
func (s *Settings) PlanPrice(planID string) (string, bool) {
	p, ok := s.Plan(planID)
	if !ok {
		return "", false
	}
	return p.PriceID, true
}

var _ billing.Catalog = (*Settings)(nil)

// ErrorText returns the title and message shown for a billing failure,
// preferring configured copy over the built-in text.
func (s *Settings) ErrorText(e *billing.Error) (title, message string) {
	title, message = e.Title(), e.UserMessage()
	if override, ok := s.Errors[e.Kind.Code()]; ok {
		if override.Title != "" {
			title = override.Title
		}
		if override.Message != "" {
			message = override.Message
		}
	}
	return title, message
}

// validReason applies the Feedback guard.
func (s *Settings) validReason(reason, otherText string) error {
	if reason == OtherReasonID {
		if !*s.AllowOther {
			return fmt.Errorf("%w: free-text reasons are disabled", ErrInvalidReason)
		}
		if strings.TrimSpace(otherText) == "" {
			return fmt.Errorf("%w: other requires a description", ErrInvalidReason)
		}
		return nil
	}
	for _, r := range s.Reasons {
		if r.ID == reason {
			return nil
		}
	}
	return fmt.Errorf("%w: %q", ErrInvalidReason, reason)
}

// NewFeedbackOptions letters reasons densely (A..Z, AA, AB, ...) and appends
// the synthetic other option last when allowOther is set.
func NewFeedbackOptions(reasons []ReasonSpec, allowOther bool, otherLabel string) []FeedbackOption {
	out := make([]FeedbackOption, 0, len(reasons)+1)
	for _, r := range reasons {
		out = append(out, FeedbackOption{ID: r.ID, Label: r.Label, Letter: letter(len(out))})
	}
	if allowOther {
		out = append(out, FeedbackOption{ID: OtherReasonID, Label: otherLabel, Letter: letter(len(out))})
	}
	return out
}

// letter maps 0 to A, 25 to Z, 26 to AA.
func letter(i int) string {
	n := i + 1
	var b []byte
	for n > 0 {
		n--
		b = append([]byte{byte('A' + n%26)}, b...)
		n /= 26
	}
	return string(b)
}
