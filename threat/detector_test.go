package threat

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jhongo20/BaseAdmin-sub000/clock"
	"github.com/jhongo20/BaseAdmin-sub000/notify"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 6, 10, 14, 0, 0, 0, time.UTC)

type storePair struct {
	name    string
	windows func(t *testing.T) (WindowStore, AlertStore)
}

func storePairs() []storePair {
	return []storePair{
		{name: "memory", windows: func(*testing.T) (WindowStore, AlertStore) {
			return NewMemoryWindowStore(), NewMemoryAlertStore()
		}},
		{name: "redis", windows: func(t *testing.T) (WindowStore, AlertStore) {
			mr := miniredis.RunT(t)
			rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
			t.Cleanup(func() { _ = rdb.Close() })
			return NewRedisWindowStore(rdb, "tw", 24*time.Hour), NewRedisAlertStore(rdb, "ta")
		}},
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.FailedLoginThreshold = 5
	cfg.FailedLoginWindow = 10 * time.Minute
	cfg.MultipleAccountsThreshold = 3
	return cfg
}

func newDetectorTest(t *testing.T, ws WindowStore, as AlertStore, cfg Config) (*Detector, *clock.Fake, *notify.ChannelSink) {
	t.Helper()
	fake := clock.NewFake(testStart)
	sink := notify.NewChannelSink(16)
	d, err := NewDetector(cfg, ws, as, WithClock(fake), WithSink(sink))
	require.NoError(t, err)
	return d, fake, sink
}

func countType(alerts []Alert, typ AlertType) int {
	n := 0
	for _, a := range alerts {
		if a.Type == typ {
			n++
		}
	}
	return n
}

func TestRepeatedFailuresRaiseOneAlert(t *testing.T) {
	for _, sp := range storePairs() {
		t.Run(sp.name, func(t *testing.T) {
			ws, as := sp.windows(t)
			d, fake, _ := newDetectorTest(t, ws, as, testConfig())
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				_, err := d.RecordFailure(ctx, "alice", "10.0.0.1", fake.Now())
				require.NoError(t, err)
				fake.Advance(40 * time.Second)
			}

			alerts, err := d.Alerts(ctx, time.Time{})
			require.NoError(t, err)
			require.Equal(t, 1, countType(alerts, AlertMultipleFailedLogins))
			assert.Equal(t, SeverityMedium, alerts[0].Severity)
			assert.Equal(t, "alice", alerts[0].Subject)

			fake.Advance(15 * time.Minute)
			_, err = d.RecordFailure(ctx, "alice", "10.0.0.1", fake.Now())
			require.NoError(t, err)

			alerts, err = d.Alerts(ctx, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, 1, countType(alerts, AlertMultipleFailedLogins))
			assert.Len(t, alerts, 1)
		})
	}
}

func TestFanOutFromOneSource(t *testing.T) {
	for _, sp := range storePairs() {
		t.Run(sp.name, func(t *testing.T) {
			ws, as := sp.windows(t)
			d, fake, _ := newDetectorTest(t, ws, as, testConfig())
			ctx := context.Background()

			for _, user := range []string{"alice", "bob", "carol"} {
				_, err := d.RecordFailure(ctx, user, "203.0.113.7", fake.Now())
				require.NoError(t, err)
				fake.Advance(time.Second)
			}

			alerts, err := d.Alerts(ctx, time.Time{})
			require.NoError(t, err)
			require.Len(t, alerts, 1)
			assert.Equal(t, AlertMultipleAccountsFromSameSource, alerts[0].Type)
			assert.Equal(t, SeverityHigh, alerts[0].Severity)
			assert.Equal(t, "203.0.113.7", alerts[0].Subject)
			assert.Contains(t, alerts[0].Message, "203.0.113.7")

			_, err = d.RecordFailure(ctx, "dave", "203.0.113.7", fake.Now())
			require.NoError(t, err)
			alerts, err = d.Alerts(ctx, time.Time{})
			require.NoError(t, err)
			assert.Equal(t, 1, countType(alerts, AlertMultipleAccountsFromSameSource))
		})
	}
}

func TestVelocityRaisesCriticalAndNotifies(t *testing.T) {
	for _, sp := range storePairs() {
		t.Run(sp.name, func(t *testing.T) {
			ws, as := sp.windows(t)
			cfg := testConfig()
			cfg.FailedLoginThreshold = 100
			cfg.MultipleAccountsThreshold = 100
			d, fake, sink := newDetectorTest(t, ws, as, cfg)
			ctx := context.Background()

			var raised []Alert
			for i := 0; i < 10; i++ {
				got, err := d.RecordFailure(ctx, fmt.Sprintf("user%d", i%2), "198.51.100.2", fake.Now())
				require.NoError(t, err)
				raised = append(raised, got...)
				fake.Advance(20 * time.Second)
			}

			require.Len(t, raised, 1)
			assert.Equal(t, AlertPossibleBruteForce, raised[0].Type)
			assert.Equal(t, SeverityCritical, raised[0].Severity)

			select {
			case ev := <-sink.Events():
				assert.Equal(t, string(AlertPossibleBruteForce), ev.Type)
				assert.Equal(t, "critical", ev.Severity)
				assert.Equal(t, "198.51.100.2", ev.Subject)
			default:
				t.Fatal("expected synchronous notification for critical alert")
			}
		})
	}
}

func TestSlowFailuresDoNotTripVelocity(t *testing.T) {
	cfg := testConfig()
	cfg.FailedLoginThreshold = 100
	d, fake, _ := newDetectorTest(t, nil, nil, cfg)
	ctx := context.Background()
	for i := 0; i < 12; i++ {
		_, err := d.RecordFailure(ctx, "alice", "198.51.100.2", fake.Now())
		require.NoError(t, err)
		fake.Advance(time.Minute)
	}
	alerts, err := d.Alerts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Zero(t, countType(alerts, AlertPossibleBruteForce))
}

func TestNonCriticalAlertsDoNotNotify(t *testing.T) {
	d, fake, sink := newDetectorTest(t, nil, nil, testConfig())
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := d.RecordFailure(ctx, "alice", "", fake.Now())
		require.NoError(t, err)
	}
	select {
	case ev := <-sink.Events():
		t.Fatalf("unexpected notification %q", ev.Type)
	default:
	}
}

func TestRaiseAccountLockedNotifiesAndSuppresses(t *testing.T) {
	for _, sp := range storePairs() {
		t.Run(sp.name, func(t *testing.T) {
			ws, as := sp.windows(t)
			d, fake, sink := newDetectorTest(t, ws, as, testConfig())
			ctx := context.Background()

			a, err := d.RaiseAccountLocked(ctx, "u-1", "alice")
			require.NoError(t, err)
			require.NotNil(t, a)
			assert.Equal(t, SeverityHigh, a.Severity)

			ev := <-sink.Events()
			assert.Equal(t, string(AlertAccountLocked), ev.Type)
			assert.Equal(t, a.ID, ev.Metadata["alert_id"])

			fake.Advance(time.Minute)
			again, err := d.RaiseAccountLocked(ctx, "u-1", "alice")
			require.NoError(t, err)
			assert.Nil(t, again)

			fake.Advance(15 * time.Minute)
			later, err := d.RaiseAccountLocked(ctx, "u-1", "alice")
			require.NoError(t, err)
			assert.NotNil(t, later)
		})
	}
}

func TestSweepEvaluatesAndPrunes(t *testing.T) {
	for _, sp := range storePairs() {
		t.Run(sp.name, func(t *testing.T) {
			ws, as := sp.windows(t)
			cfg := testConfig()
			d, fake, _ := newDetectorTest(t, ws, as, cfg)
			ctx := context.Background()

			for i := 0; i < 5; i++ {
				require.NoError(t, ws.Append(ctx, FailedAttempt{Username: "mallory", SourceAddress: "192.0.2.1", Timestamp: fake.Now()}))
			}

			res, err := d.Sweep(ctx)
			require.NoError(t, err)
			require.Len(t, res.Alerts, 1)
			assert.Equal(t, AlertMultipleFailedLogins, res.Alerts[0].Type)

			res, err = d.Sweep(ctx)
			require.NoError(t, err)
			assert.Empty(t, res.Alerts)

			fake.Advance(25 * time.Hour)
			res, err = d.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 5, res.PrunedAttempts)
			left, err := ws.ByUsername(ctx, "mallory", time.Time{})
			require.NoError(t, err)
			assert.Empty(t, left)

			fake.Advance(30 * 24 * time.Hour)
			res, err = d.Sweep(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, res.PrunedAlerts)
			alerts, err := d.Alerts(ctx, time.Time{})
			require.NoError(t, err)
			assert.Empty(t, alerts)
		})
	}
}

func TestSharedRedisStoresSuppressAcrossDetectors(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	fake := clock.NewFake(testStart)
	newDetector := func() *Detector {
		d, err := NewDetector(testConfig(),
			NewRedisWindowStore(rdb, "tw", 24*time.Hour), NewRedisAlertStore(rdb, "ta"),
			WithClock(fake))
		require.NoError(t, err)
		return d
	}
	a, b := newDetector(), newDetector()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := a
		if i%2 == 1 {
			d = b
		}
		_, err := d.RecordFailure(ctx, "alice", "", fake.Now())
		require.NoError(t, err)
	}
	_, err := b.RecordFailure(ctx, "alice", "", fake.Now())
	require.NoError(t, err)

	alerts, err := a.Alerts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Equal(t, 1, countType(alerts, AlertMultipleFailedLogins))
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	cfg := DefaultConfig()
	cfg.FailedLoginThreshold = 0
	assert.Error(t, cfg.Validate())
	cfg = DefaultConfig()
	cfg.AttemptRetention = time.Minute
	assert.Error(t, cfg.Validate())
}
