package flow

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAPI scripts server responses.
type fakeAPI struct {
	sendErr   error
	verifyErr error
	sends     int
	verifies  int
}

func (f *fakeAPI) SendVerification(_ context.Context, email string) (SendResult, error) {
	f.sends++
	if f.sendErr != nil {
		return SendResult{}, f.sendErr
	}
	return SendResult{Batch: "2021-2025"}, nil
}

func (f *fakeAPI) VerifyCode(_ context.Context, email, code string) (VerifyResult, error) {
	f.verifies++
	if f.verifyErr != nil {
		return VerifyResult{}, f.verifyErr
	}
	return VerifyResult{Batch: "2021-2025", StudentID: "SJC2021001"}, nil
}

func TestHappyPath(t *testing.T) {
	api := &fakeAPI{}
	f := New(api)
	ctx := context.Background()

	assert.Equal(t, Idle, f.State())

	f.SetIdentity("alice@college.edu")
	require.NoError(t, f.RequestCode(ctx))
	assert.Equal(t, CodeSent, f.State())
	assert.Equal(t, "2021-2025", f.Batch())
	assert.Empty(t, f.StudentID(), "student id known before verification")

	require.NoError(t, f.SubmitCode(ctx, "123456"))
	assert.Equal(t, Verified, f.State())
	assert.Equal(t, "SJC2021001", f.StudentID())
}

func TestRequestWithoutIdentity(t *testing.T) {
	f := New(&fakeAPI{})
	assert.ErrorIs(t, f.RequestCode(context.Background()), ErrNoIdentity)
}

func TestSubmitBeforeRequest(t *testing.T) {
	f := New(&fakeAPI{})
	f.SetIdentity("alice@college.edu")
	assert.ErrorIs(t, f.SubmitCode(context.Background(), "123456"), ErrNoCodeRequested)
}

func TestFailedSubmitStaysInCodeSent(t *testing.T) {
	api := &fakeAPI{}
	f := New(api)
	ctx := context.Background()

	f.SetIdentity("alice@college.edu")
	require.NoError(t, f.RequestCode(ctx))

	api.verifyErr = errors.New("invalid or expired verification code")
	err := f.SubmitCode(ctx, "000000")
	require.Error(t, err)
	assert.Equal(t, CodeSent, f.State(), "failed submit must not leave CodeSent")
	assert.Equal(t, err, f.Err())

	// A later correct submission still goes through.
	api.verifyErr = nil
	require.NoError(t, f.SubmitCode(ctx, "123456"))
	assert.Equal(t, Verified, f.State())
	assert.NoError(t, f.Err())
}

func TestIdentityChangeResets(t *testing.T) {
	api := &fakeAPI{}
	f := New(api)
	ctx := context.Background()

	f.SetIdentity("alice@college.edu")
	require.NoError(t, f.RequestCode(ctx))
	require.NoError(t, f.SubmitCode(ctx, "123456"))
	require.Equal(t, Verified, f.State())

	// Typing a different identifier discards everything.
	f.SetIdentity("bob@college.edu")
	assert.Equal(t, Idle, f.State())
	assert.Empty(t, f.StudentID())
	assert.Empty(t, f.Batch())
	assert.ErrorIs(t, f.SubmitCode(ctx, "123456"), ErrNoCodeRequested)
}

func TestSameIdentityDoesNotReset(t *testing.T) {
	api := &fakeAPI{}
	f := New(api)
	ctx := context.Background()

	f.SetIdentity("alice@college.edu")
	require.NoError(t, f.RequestCode(ctx))

	// Re-entering the identical identifier keeps the cycle alive.
	f.SetIdentity("alice@college.edu")
	assert.Equal(t, CodeSent, f.State())
}

func TestResend(t *testing.T) {
	api := &fakeAPI{}
	f := New(api)
	ctx := context.Background()

	f.SetIdentity("alice@college.edu")
	require.NoError(t, f.RequestCode(ctx))
	require.NoError(t, f.RequestCode(ctx))
	assert.Equal(t, CodeSent, f.State())
	assert.Equal(t, 2, api.sends)
}

func TestClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/send-verification", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "batch": "2021-2025", "code": "123456"})
	})
	mux.HandleFunc("/api/verify-code", func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["code"] != "123456" {
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]interface{}{"success": false, "error": "invalid or expired verification code"})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"success": true, "batch": "2021-2025", "student_id": "SJC2021001"})
	})
	ts := httptest.NewServer(mux)
	defer ts.Close()

	c := NewClient(ts.URL, nil)
	f := New(c)
	ctx := context.Background()

	f.SetIdentity("alice@college.edu")
	require.NoError(t, f.RequestCode(ctx))

	err := f.SubmitCode(ctx, "999999")
	require.Error(t, err)
	assert.Equal(t, "invalid or expired verification code", err.Error())
	assert.Equal(t, CodeSent, f.State())

	require.NoError(t, f.SubmitCode(ctx, "123456"))
	assert.Equal(t, Verified, f.State())
	assert.Equal(t, "SJC2021001", f.StudentID())
}
