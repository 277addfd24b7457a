// Package extern holds the typed boundaries to the systems the ledger gates:
// the content generator and the social publishing pipeline. The ledger never
// depends on their internals, only on these contracts.
package extern

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrInvalidPlatform  = errors.New("extern: invalid platform")
	ErrGenerationFailed = errors.New("extern: generation failed")
	ErrPublishFailed    = errors.New("extern: publish failed")
)

// Platform enumerates supported social destinations.
type Platform string

const (
	PlatformX         Platform = "x"
	PlatformLinkedIn  Platform = "linkedin"
	PlatformInstagram Platform = "instagram"
	PlatformTikTok    Platform = "tiktok"
)

// ParsePlatform validates a raw platform value.
func ParsePlatform(raw string) (Platform, error) {
	switch Platform(strings.ToLower(strings.TrimSpace(raw))) {
	case PlatformX, PlatformLinkedIn, PlatformInstagram, PlatformTikTok:
		return Platform(strings.ToLower(strings.TrimSpace(raw))), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidPlatform, raw)
}

// String returns the stored representation.
func (platform Platform) String() string {
	return string(platform)
}

// GenerateRequest asks the generator for platform-shaped post content.
type GenerateRequest struct {
	UserID   string
	Platform Platform
	Prompt   string
	Tone     string
}

// GeneratedPost is the generator's output.
type GeneratedPost struct {
	Body     string
	Hashtags []string
}

// PublishRequest sends a finished post toward a connected social account.
type PublishRequest struct {
	UserID            string
	Platform          Platform
	Body              string
	AccountRef        string
	ScheduleAtUnixUTC int64
}

// PublishResult reports where the post landed. Scheduled means the post was
// queued for later rather than published immediately.
type PublishResult struct {
	ExternalPostID string
	Scheduled      bool
}

// Generator produces post content. Implementations are expected to be slow
// and fallible; callers hold a credit reservation across the call.
type Generator interface {
	Generate(ctx context.Context, request GenerateRequest) (GeneratedPost, error)
}

// Publisher delivers or schedules a post on the target platform.
type Publisher interface {
	Publish(ctx context.Context, request PublishRequest) (PublishResult, error)
}
