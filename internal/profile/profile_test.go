package profile

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ghosty/chat-app/internal/auth"
	"github.com/ghosty/chat-app/internal/matching"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateUpdate(t *testing.T) {
	tests := []struct {
		name    string
		in      Update
		wantErr string
	}{
		{"valid", Update{Nickname: "ghost_01", Bio: "hi there", Preference: "female"}, ""},
		{"empty preference means any", Update{Nickname: "ghost"}, ""},
		{"short nickname", Update{Nickname: "ab"}, "Nickname must be 3-20 characters"},
		{"long nickname", Update{Nickname: "abcdefghijklmnopqrstu"}, "Nickname must be 3-20 characters"},
		{"long bio", Update{Nickname: "ghost", Bio: string(make([]byte, 121))}, "Bio too long (max 120 chars)"},
		{"bad preference", Update{Nickname: "ghost", Preference: "robots"}, "Invalid preference"},
		{"url in bio", Update{Nickname: "ghost", Bio: "see https://example.com"}, "No URLs allowed"},
		{"email in nickname", Update{Nickname: "a@b.co"}, "No emails allowed"},
		{"phone in bio", Update{Nickname: "ghost", Bio: "call 5551234567"}, "No phone numbers allowed"},
		{"symbols only", Update{Nickname: "!!!---"}, "Nickname must contain alphanumeric characters"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ValidateUpdate(tt.in)
			if tt.wantErr == "" {
				require.NoError(t, err)
				_, ok := matching.ParsePreference(got.Preference)
				assert.True(t, ok)
				assert.NotEmpty(t, got.Preference)
				return
			}
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Equal(t, tt.wantErr, err.Error())
		})
	}
}

func TestValidateUpdate_Trims(t *testing.T) {
	got, err := ValidateUpdate(Update{Nickname: "  ghost  ", Bio: " hello "})
	require.NoError(t, err)
	assert.Equal(t, "ghost", got.Nickname)
	assert.Equal(t, "hello", got.Bio)
	assert.Equal(t, "any", got.Preference)
}

func newProvider() *Provider {
	return NewProvider(NewMemoryStore(), auth.NewManager("secret", time.Hour))
}

func TestProvider_InitAndAuthenticate(t *testing.T) {
	p := newProvider()
	ctx := context.Background()

	prof, token, err := p.Init(ctx, "device-1")
	require.NoError(t, err)
	assert.False(t, prof.Verified)
	assert.Equal(t, matching.PreferAny, prof.Preference)

	again, _, err := p.Init(ctx, "device-1")
	require.NoError(t, err)
	assert.Equal(t, prof.ID, again.ID, "device binds to one profile")

	got, err := p.Authenticate(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, prof.ID, got.ID)

	_, err = p.Authenticate(ctx, "garbage")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewProvider(NewMemoryStore(), auth.NewManager("secret", time.Hour))
	_, err = other.Authenticate(ctx, token)
	assert.ErrorIs(t, err, ErrInvalidToken, "token for a session this store does not know")
}

func TestProvider_UpdateAndPartners(t *testing.T) {
	p := newProvider()
	ctx := context.Background()
	a, _, _ := p.Init(ctx, "device-a")
	b, _, _ := p.Init(ctx, "device-b")

	_, err := p.Update(ctx, a.ID, Update{Nickname: "x"})
	assert.True(t, IsValidation(err))

	u, err := p.Update(ctx, a.ID, Update{Nickname: "alice", Bio: "hey", Preference: "male"})
	require.NoError(t, err)
	assert.Equal(t, "male", u.Preference)

	_, err = p.Update(ctx, "missing", Update{Nickname: "alice"})
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, p.RecordPartners(ctx, a.ID, b.ID))
	require.NoError(t, p.RecordPartners(ctx, a.ID, b.ID))

	ga, _ := p.Get(ctx, a.ID)
	gb, _ := p.Get(ctx, b.ID)
	assert.Equal(t, "alice", ga.Nickname)
	assert.Equal(t, matching.PreferMale, ga.Preference)
	assert.Equal(t, []string{b.ID}, ga.PriorPartners)
	assert.Equal(t, []string{a.ID}, gb.PriorPartners)
}

func TestHTTPClassifier_RetriesOnce(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		f, _, err := r.FormFile("image")
		if err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		data, _ := io.ReadAll(f)
		if string(data) != "jpeg-bytes" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if n == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"gender":"female","confidence":0.93}`))
	}))
	defer srv.Close()

	res, err := NewHTTPClassifier(srv.URL).Classify(context.Background(), []byte("jpeg-bytes"))
	require.NoError(t, err)
	assert.Equal(t, matching.Female, res.Gender)
	assert.InDelta(t, 0.93, res.Confidence, 0.001)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

func TestHTTPClassifier_GivesUp(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewHTTPClassifier(srv.URL).Classify(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrVerifierUnavailable)
	assert.EqualValues(t, 2, atomic.LoadInt32(&calls))
}

type stubClassifier struct {
	res Classification
	err error
}

func (s stubClassifier) Classify(context.Context, []byte) (Classification, error) {
	return s.res, s.err
}

func TestProvider_Verify(t *testing.T) {
	p := newProvider()
	ctx := context.Background()
	prof, _, _ := p.Init(ctx, "device-v")

	_, err := p.Verify(ctx, stubClassifier{err: errors.New("down")}, prof, nil)
	require.Error(t, err)
	got, _ := p.Get(ctx, prof.ID)
	assert.False(t, got.Verified)

	res, err := p.Verify(ctx, stubClassifier{res: Classification{Gender: matching.Male, Confidence: 0.8}}, prof, []byte("img"))
	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Len(t, res.UserHash, 64)

	got, _ = p.Get(ctx, prof.ID)
	assert.True(t, got.Verified)
	assert.Equal(t, matching.Male, got.Gender)
	assert.Equal(t, res.UserHash, got.UserHash)
}
