package authority

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mosesy5688-cell/ai-nexus-sub001/pkg/manifest"
)

func TestCheckTTLExpiryThresholds(t *testing.T) {
	pending, err := SubmitForMerge(repairManifest(t), t0)
	require.NoError(t, err)

	cases := []struct {
		age     time.Duration
		level   EscalationLevel
		expired bool
	}{
		{0, EscalationNone, false},
		{23*time.Hour + 59*time.Minute, EscalationNone, false},
		{24 * time.Hour, EscalationNotify, false},
		{47*time.Hour + 59*time.Minute, EscalationNotify, false},
		{48 * time.Hour, EscalationReminder, false},
		{72*time.Hour - time.Nanosecond, EscalationReminder, false},
		{72 * time.Hour, EscalationAutoRevoke, true},
		{400 * time.Hour, EscalationAutoRevoke, true},
	}
	for _, tc := range cases {
		st := CheckTTLExpiry(pending, t0.Add(tc.age))
		assert.Equal(t, tc.level, st.EscalationLevel, "age %s", tc.age)
		assert.Equal(t, tc.expired, st.Expired, "age %s", tc.age)
		assert.InDelta(t, tc.age.Hours(), st.HoursInPending, 1e-9)
	}
}

func TestCheckTTLExpiryFallsBackToCreatedAt(t *testing.T) {
	m := repairManifest(t)
	m.Authority.State = manifest.StatePendingMerge

	st := CheckTTLExpiry(m, m.CreatedAt.Add(48*time.Hour))
	assert.Equal(t, EscalationReminder, st.EscalationLevel)
}

func TestCheckTTLExpiryIgnoresNonPending(t *testing.T) {
	for _, s := range []manifest.AuthorityState{manifest.StateNonAuthoritative, manifest.StateAuthoritative, manifest.StateRevoked} {
		m := repairManifest(t)
		m.Authority.State = s
		st := CheckTTLExpiry(m, t0.Add(1000*time.Hour))
		assert.Equal(t, TTLStatus{EscalationLevel: EscalationNone}, st, "state %s", s)
	}
}

func TestTTLPolicyCustomThresholds(t *testing.T) {
	p := TTLPolicy{NotifyAfter: time.Hour, ReminderAfter: 2 * time.Hour, ExpireAfter: 3 * time.Hour}
	require.NoError(t, p.Validate())
	assert.Equal(t, EscalationReminder, p.Level(150*time.Minute))

	bad := TTLPolicy{NotifyAfter: time.Hour, ReminderAfter: time.Hour, ExpireAfter: 3 * time.Hour}
	assert.Error(t, bad.Validate())
	assert.NoError(t, DefaultTTLPolicy().Validate())
}
