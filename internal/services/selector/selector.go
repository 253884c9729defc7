// Package selector chooses the concrete delivery channel set for a
// classified notification, applying recipient preferences, per-channel
// content-length limits, quiet hours, and the SMS emergency gate.
//
// Invariant: the result always contains in-app enabled. In-app is the
// guaranteed channel of last resort, regardless of preference configuration.
package selector

import (
	"fmt"
	"sync"
	"time"

	"notifyd/internal/kit"
	"notifyd/pkg/logx"
)

// rule is the per-tier channel table. Fallback is implied: in-app.
type rule struct {
	required []kit.Channel
	optional []kit.Channel
}

var tierRules = map[kit.Tier]rule{
	kit.TierP0: {
		required: []kit.Channel{kit.ChannelInApp, kit.ChannelPush, kit.ChannelEmail, kit.ChannelSMS},
		optional: []kit.Channel{kit.ChannelWebhook},
	},
	kit.TierP1: {
		required: []kit.Channel{kit.ChannelInApp, kit.ChannelPush},
		optional: []kit.Channel{kit.ChannelEmail, kit.ChannelWebhook},
	},
	kit.TierP2: {
		required: []kit.Channel{kit.ChannelInApp},
		optional: []kit.Channel{kit.ChannelPush, kit.ChannelEmail},
	},
	kit.TierP3: {
		required: []kit.Channel{kit.ChannelInApp},
		optional: []kit.Channel{kit.ChannelEmail},
	},
	kit.TierP4: {
		required: []kit.Channel{kit.ChannelInApp},
	},
}

// maxContentLen caps title+message length per channel.
var maxContentLen = map[kit.Channel]int{
	kit.ChannelInApp:   2000,
	kit.ChannelPush:    240,
	kit.ChannelEmail:   10000,
	kit.ChannelSMS:     160,
	kit.ChannelWebhook: 4000,
}

type Service struct {
	mu           sync.Mutex
	defaultQuiet kit.QuietHours
	loc          *time.Location

	now func() time.Time
	log logx.Logger
}

func New(defaultQuiet kit.QuietHours, loc *time.Location, log logx.Logger) *Service {
	if loc == nil {
		loc = time.Local
	}
	return &Service{defaultQuiet: defaultQuiet, loc: loc, now: time.Now, log: log}
}

// SetClock pins the selector clock (quiet-hours evaluation). Test hook.
func (s *Service) SetClock(now func() time.Time) { s.now = now }

// Apply replaces the default quiet window. Called on config reload.
func (s *Service) Apply(defaultQuiet kit.QuietHours) {
	s.mu.Lock()
	s.defaultQuiet = defaultQuiet
	s.mu.Unlock()
}

// Select returns the channel-state map for the notification at the given
// tier. Rejections are logged at debug with their reason; they never fail the
// call.
func (s *Service) Select(n *kit.Notification, tier kit.Tier, prefs kit.Preferences) map[kit.Channel]*kit.ChannelState {
	out := map[kit.Channel]*kit.ChannelState{}
	r := tierRules[tier]

	for _, ch := range r.required {
		if reason := s.reject(ch, tier, n, prefs); reason != "" {
			s.log.Debug("channel rejected", logx.String("notification", n.ID),
				logx.String("channel", string(ch)), logx.String("reason", reason))
			continue
		}
		out[ch] = &kit.ChannelState{Enabled: true}
	}
	for _, ch := range r.optional {
		if reason := s.reject(ch, tier, n, prefs); reason != "" {
			s.log.Debug("channel rejected", logx.String("notification", n.ID),
				logx.String("channel", string(ch)), logx.String("reason", reason))
			continue
		}
		out[ch] = &kit.ChannelState{Enabled: true}
	}

	// Fallback: preferences can empty out everything else, never in-app.
	if _, ok := out[kit.ChannelInApp]; !ok {
		out[kit.ChannelInApp] = &kit.ChannelState{Enabled: true}
	}
	return out
}

// reject returns a non-empty reason when the channel must not carry this
// notification. In-app is never rejected.
func (s *Service) reject(ch kit.Channel, tier kit.Tier, n *kit.Notification, prefs kit.Preferences) string {
	if ch == kit.ChannelInApp {
		return ""
	}
	if !prefs.ChannelAllowed(ch, tier) {
		return "disabled by preference"
	}
	if maxLen, ok := maxContentLen[ch]; ok && len(n.Title)+len(n.Message) > maxLen {
		return fmt.Sprintf("content exceeds %d chars", maxLen)
	}
	if ch == kit.ChannelSMS {
		// SMS is emergency-only: recipient must opt in and the event must be P0.
		if tier != kit.TierP0 {
			return "sms reserved for P0"
		}
		if !prefs.SMSEmergency {
			return "recipient not sms emergency-eligible"
		}
	}
	if (ch == kit.ChannelPush || ch == kit.ChannelSMS) && tier != kit.TierP0 {
		if s.inQuietHours(prefs) {
			return "quiet hours"
		}
	}
	return ""
}

func (s *Service) inQuietHours(prefs kit.Preferences) bool {
	quiet := prefs.Quiet
	if quiet.Start == "" || quiet.End == "" {
		s.mu.Lock()
		quiet = s.defaultQuiet
		s.mu.Unlock()
	}
	return quiet.Contains(s.now().In(s.loc))
}
