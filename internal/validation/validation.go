package validation

import (
	"fmt"
	"math"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/robfig/cron"

	"promo-code-engine/internal/models"
)

const (
	MaxCodesPerRequest = 500
	MaxMessageLength   = 16 << 10
	MaxAnswerLength    = 32
)

var (
	uuidRegex     = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-4[0-9a-f]{3}-[89ab][0-9a-f]{3}-[0-9a-f]{12}$`)
	siteNameRegex = regexp.MustCompile(`^[a-z0-9_]{1,64}$`)
	codeRegex     = regexp.MustCompile(`^[A-Za-z0-9_-]{4,64}$`)
)

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error on field '%s': %s", e.Field, e.Message)
}

// ValidateSite checks one entry of the site registry file.
func ValidateSite(site models.Site) error {
	if err := ValidateSiteName(site.Name); err != nil {
		return err
	}
	field := func(name string) string { return site.Name + "." + name }

	if err := validateURL(site.Endpoint, field("endpoint"), true); err != nil {
		return err
	}
	if err := validateURL(site.HostURL, field("host_url"), false); err != nil {
		return err
	}

	if strings.TrimSpace(site.SharedSecret) == "" {
		return &ValidationError{
			Field:   field("shared_secret"),
			Message: "is required",
		}
	}

	if math.IsNaN(site.MinRewardThreshold) || site.MinRewardThreshold < 0 {
		return &ValidationError{
			Field:   field("min_reward_threshold"),
			Message: "must be a non-negative number",
		}
	}

	if site.Timezone != "" {
		if _, err := time.LoadLocation(site.Timezone); err != nil {
			return &ValidationError{
				Field:   field("timezone"),
				Message: fmt.Sprintf("unknown time zone %q", site.Timezone),
			}
		}
	}

	if site.ResetCron != "" {
		if _, err := cron.Parse(site.ResetCron); err != nil {
			return &ValidationError{
				Field:   field("reset_cron"),
				Message: err.Error(),
			}
		}
	}

	for code, d := range site.LockDurations {
		if d <= 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("%s[%d]", field("lock_durations"), code),
				Message: "must be a positive duration",
			}
		}
	}

	for i, rule := range site.TierRules {
		if len(rule.Tiers) == 0 {
			return &ValidationError{
				Field:   fmt.Sprintf("%s[%d].tiers", field("tier_rules"), i),
				Message: "cannot be empty",
			}
		}
		if err := validateTiers(rule.Tiers, fmt.Sprintf("%s[%d].tiers", field("tier_rules"), i)); err != nil {
			return err
		}
	}
	if err := validateTiers(site.InvalidPointTiers, field("invalid_point_tiers")); err != nil {
		return err
	}

	return validatePool(site.Pool, field("pool"))
}

// ValidateSiteName checks a site identifier, as used in config and URL paths.
func ValidateSiteName(name string) error {
	if name == "" {
		return &ValidationError{
			Field:   "site",
			Message: "is required",
		}
	}
	if !siteNameRegex.MatchString(name) {
		return &ValidationError{
			Field:   "site",
			Message: "must be lower-case letters, digits or underscores",
		}
	}
	return nil
}

// ValidateCodes checks a manually submitted batch of promo codes.
func ValidateCodes(codes []string) error {
	if len(codes) == 0 {
		return &ValidationError{
			Field:   "codes",
			Message: "at least one code is required",
		}
	}
	if len(codes) > MaxCodesPerRequest {
		return &ValidationError{
			Field:   "codes",
			Message: fmt.Sprintf("cannot contain more than %d codes", MaxCodesPerRequest),
		}
	}
	for i, code := range codes {
		if !codeRegex.MatchString(SanitizeString(code)) {
			return &ValidationError{
				Field:   fmt.Sprintf("codes[%d]", i),
				Message: "must be 4 to 64 letters, digits, dashes or underscores",
			}
		}
	}
	return nil
}

// ValidateMessage checks a candidate message posted to the intake endpoint.
func ValidateMessage(msg models.Message) error {
	if SanitizeString(msg.ChannelID) == "" {
		return &ValidationError{
			Field:   "channel_id",
			Message: "is required",
		}
	}
	if len(msg.Text) > MaxMessageLength {
		return &ValidationError{
			Field:   "text",
			Message: fmt.Sprintf("cannot exceed %d bytes", MaxMessageLength),
		}
	}
	return nil
}

// ValidateCaptchaAnswer checks an operator's answer to a pending challenge.
func ValidateCaptchaAnswer(answer string) error {
	answer = SanitizeString(answer)
	if answer == "" {
		return &ValidationError{
			Field:   "answer",
			Message: "is required",
		}
	}
	if len(answer) > MaxAnswerLength {
		return &ValidationError{
			Field:   "answer",
			Message: fmt.Sprintf("cannot exceed %d characters", MaxAnswerLength),
		}
	}
	return nil
}

func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)

	return strings.TrimSpace(s)
}

func ValidateUUID(id, fieldName string) error {
	if id == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "is required",
		}
	}

	id = SanitizeString(id)

	if !uuidRegex.MatchString(strings.ToLower(id)) {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be a valid UUID v4",
		}
	}

	return nil
}

func validateURL(raw, fieldName string, required bool) error {
	if raw == "" {
		if required {
			return &ValidationError{
				Field:   fieldName,
				Message: "is required",
			}
		}
		return nil
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return &ValidationError{
			Field:   fieldName,
			Message: "must be an absolute http(s) URL",
		}
	}
	return nil
}

func validateTiers(tiers []models.Tier, fieldName string) error {
	for i, t := range tiers {
		if !t.Valid() {
			return &ValidationError{
				Field:   fmt.Sprintf("%s[%d]", fieldName, i),
				Message: fmt.Sprintf("unknown tier %q", t),
			}
		}
	}
	return nil
}

func validatePool(pool models.PlayerPool, fieldName string) error {
	total := 0
	for _, tier := range models.Tiers {
		for i, player := range pool.Tier(tier) {
			if strings.TrimSpace(player) == "" {
				return &ValidationError{
					Field:   fmt.Sprintf("%s.%s[%d]", fieldName, tier, i),
					Message: "player name cannot be empty",
				}
			}
			total++
		}
	}
	if total == 0 {
		return &ValidationError{
			Field:   fieldName,
			Message: "must list at least one player",
		}
	}
	return nil
}
