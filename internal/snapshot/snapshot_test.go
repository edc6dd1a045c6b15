package snapshot

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/harbor_beacon/internal/response"
)

func roundTrip(t *testing.T, e Encoder) Snapshot {
	t.Helper()
	b, err := Marshal(e.Encode())
	require.NoError(t, err)
	s, err := Unmarshal(b)
	require.NoError(t, err)
	return s
}

func TestActiveStateRoundTrip(t *testing.T) {
	for _, want := range []ActiveState{{IsSdkActive: true}, {IsSdkActive: false}} {
		got, err := DecodeActiveState(roundTrip(t, want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.True(t, InitialActiveState().IsSdkActive)
}

func TestPushTokenStateRoundTrip(t *testing.T) {
	for _, want := range []PushTokenState{{LastPushToken: "fcm:abc123"}, {}} {
		got, err := DecodePushTokenState(roundTrip(t, want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}

	got, err := DecodePushTokenState(Snapshot{Type: TypePushToken, Fields: map[string]string{"lastPushToken": "  "}})
	require.NoError(t, err)
	assert.Empty(t, got.LastPushToken)
}

func TestLifecycleStateRoundTrip(t *testing.T) {
	states := []LifecycleState{
		{},
		{AppStarted: true},
		{AppStarted: true, SdkStarted: true, Measurement: MeasurementResumed},
		{SdkStarted: true, Measurement: MeasurementPaused},
	}
	for _, want := range states {
		got, err := DecodeLifecycleState(roundTrip(t, want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestAttributionStateRoundTrip(t *testing.T) {
	states := []AttributionState{
		InitialAttributionState(),
		{Status: AttributionAsking},
		{Status: AttributionReceived, Attribution: &response.Attribution{
			TrackerToken: "abc", Network: "Organic", CostAmount: 1.5, CostCurrency: "EUR",
		}},
	}
	for _, want := range states {
		got, err := DecodeAttributionState(roundTrip(t, want))
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name   string
		decode func() error
		check  func(t *testing.T, err error)
	}{
		{
			name: "type mismatch",
			decode: func() error {
				_, err := DecodeActiveState(PushTokenState{LastPushToken: "x"}.Encode())
				return err
			},
			check: func(t *testing.T, err error) { assert.ErrorIs(t, err, ErrTypeMismatch) },
		},
		{
			name: "missing required flag",
			decode: func() error {
				_, err := DecodeActiveState(Snapshot{Type: TypeActive, Fields: map[string]string{}})
				return err
			},
			check: func(t *testing.T, err error) {
				var fe *FieldError
				require.True(t, errors.As(err, &fe))
				assert.Equal(t, "isSdkActive", fe.Field)
			},
		},
		{
			name: "bad boolean",
			decode: func() error {
				_, err := DecodeLifecycleState(Snapshot{Type: TypeLifecycle, Fields: map[string]string{"appStarted": "yes please"}})
				return err
			},
			check: func(t *testing.T, err error) {
				var fe *FieldError
				require.True(t, errors.As(err, &fe))
				assert.Equal(t, "appStarted", fe.Field)
			},
		},
		{
			name: "unknown measurement",
			decode: func() error {
				_, err := DecodeLifecycleState(Snapshot{Type: TypeLifecycle, Fields: map[string]string{"measurement": "sleeping"}})
				return err
			},
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "measurement") },
		},
		{
			name: "unreadable attribution",
			decode: func() error {
				_, err := DecodeAttributionState(Snapshot{Type: TypeAttribution, Fields: map[string]string{"status": "received", "attribution": "{"}})
				return err
			},
			check: func(t *testing.T, err error) { assert.ErrorContains(t, err, "attribution") },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.decode()
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestDecodeIgnoresUnknownFields(t *testing.T) {
	b := []byte(`{"type":"SdkActiveState","version":3,"fields":{"isSdkActive":"false","addedLater":"1"},"extra":true}`)
	s, err := Unmarshal(b)
	require.NoError(t, err)
	got, err := DecodeActiveState(s)
	require.NoError(t, err)
	assert.False(t, got.IsSdkActive)
}

func TestUnmarshalRejectsGarbage(t *testing.T) {
	_, err := Unmarshal([]byte(`not json`))
	assert.Error(t, err)
	_, err = Unmarshal([]byte(`{"version":1}`))
	assert.Error(t, err)
	_, err = Marshal(Snapshot{})
	assert.Error(t, err)
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	st := NewMemoryStore()

	_, found, err := st.Load(ctx, TypeActive)
	require.NoError(t, err)
	assert.False(t, found)

	got, err := LoadInto(ctx, st, TypeActive, DecodeActiveState, InitialActiveState())
	require.NoError(t, err)
	assert.True(t, got.IsSdkActive)

	require.NoError(t, st.Save(ctx, ActiveState{IsSdkActive: false}.Encode()))
	got, err = LoadInto(ctx, st, TypeActive, DecodeActiveState, InitialActiveState())
	require.NoError(t, err)
	assert.False(t, got.IsSdkActive)
}

type fakeRow struct {
	body []byte
	err  error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*[]byte)) = r.body
	return nil
}

type fakeDB struct {
	rows map[string][]byte
	sql  []string
}

func (f *fakeDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.sql = append(f.sql, sql)
	f.rows[args[0].(string)] = args[2].([]byte)
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	f.sql = append(f.sql, sql)
	body, ok := f.rows[args[0].(string)]
	if !ok {
		return fakeRow{err: pgx.ErrNoRows}
	}
	return fakeRow{body: body}
}

func TestPGStore(t *testing.T) {
	ctx := context.Background()
	db := &fakeDB{rows: map[string][]byte{}}
	st := NewPGStore(db)

	_, found, err := st.Load(ctx, TypePushToken)
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, st.Save(ctx, PushTokenState{LastPushToken: "tok"}.Encode()))
	got, err := LoadInto(ctx, st, TypePushToken, DecodePushTokenState, PushTokenState{})
	require.NoError(t, err)
	assert.Equal(t, "tok", got.LastPushToken)

	assert.Contains(t, db.sql[1], "ON CONFLICT (type)")
}

func TestPGStoreLoadError(t *testing.T) {
	boom := errors.New("connection reset")
	st := NewPGStore(errDB{err: boom})
	_, _, err := st.Load(context.Background(), TypeActive)
	assert.ErrorIs(t, err, boom)
}

type errDB struct{ err error }

func (e errDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, e.err
}

func (e errDB) QueryRow(context.Context, string, ...any) pgx.Row {
	return fakeRow{err: e.err}
}

func TestMeasurementString(t *testing.T) {
	assert.Equal(t, "unknown", MeasurementUnknown.String())
	assert.Equal(t, "resumed", MeasurementResumed.String())
	assert.Equal(t, "paused", MeasurementPaused.String())
}
