package main

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mealplanagent"
)

func TestDecodeInvocation(t *testing.T) {
	t.Run("direct invoke", func(t *testing.T) {
		inv, err := decodeInvocation([]byte(`{"job_id":"job-1","resume":true}`), "s3cret")
		require.NoError(t, err)
		assert.Equal(t, "job-1", inv.JobID)
		assert.True(t, inv.Resume)
	})

	t.Run("function url request", func(t *testing.T) {
		ev := `{"headers":{"x-worker-secret":"s3cret"},"requestContext":{"http":{"method":"POST"}},"body":"{\"job_id\":\"job-2\"}"}`
		inv, err := decodeInvocation([]byte(ev), "s3cret")
		require.NoError(t, err)
		assert.Equal(t, "job-2", inv.JobID)
		assert.False(t, inv.Resume)
	})

	t.Run("base64 body", func(t *testing.T) {
		body := base64.StdEncoding.EncodeToString([]byte(`{"job_id":"job-3","resume":true}`))
		ev := `{"headers":{"x-worker-secret":"s3cret"},"requestContext":{"http":{"method":"POST"}},"isBase64Encoded":true,"body":"` + body + `"}`
		inv, err := decodeInvocation([]byte(ev), "s3cret")
		require.NoError(t, err)
		assert.Equal(t, "job-3", inv.JobID)
		assert.True(t, inv.Resume)
	})

	t.Run("wrong secret", func(t *testing.T) {
		ev := `{"headers":{"x-worker-secret":"nope"},"requestContext":{"http":{"method":"POST"}},"body":"{\"job_id\":\"job-2\"}"}`
		_, err := decodeInvocation([]byte(ev), "s3cret")
		require.Error(t, err)
		assert.Equal(t, mealplanagent.KindAuthorization, mealplanagent.KindOf(err))
	})

	t.Run("no secret configured", func(t *testing.T) {
		ev := `{"requestContext":{"http":{"method":"POST"}},"body":"{\"job_id\":\"job-2\"}"}`
		_, err := decodeInvocation([]byte(ev), "")
		assert.Equal(t, mealplanagent.KindAuthorization, mealplanagent.KindOf(err))
	})
}
