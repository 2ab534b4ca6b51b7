package executor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomworks/loom/internal/credential"
)

func TestContext_VariablesAndLoopState(t *testing.T) {
	c := NewContext("e1", "wf1", "u1", 0)

	c.SetVariable("region", "eu")
	v, ok := c.Variable("region")
	require.True(t, ok)
	assert.Equal(t, "eu", v)
	assert.Equal(t, map[string]any{"region": "eu"}, c.Variables())

	assert.Equal(t, 0, c.LoopCount("n"))
	assert.Equal(t, 1, c.IncrementLoop("n"))
	assert.Equal(t, 2, c.IncrementLoop("n"))

	c.SetItems("n", []any{"a", "b"})
	items, ok := c.Items("n")
	require.True(t, ok)
	assert.Len(t, items, 2)

	c.SetBatchCursor("n", 7)
	assert.Equal(t, 7, c.BatchCursor("n"))

	c.Accumulate("n", 1)
	c.Accumulate("n", 2)
	assert.Equal(t, []any{1, 2}, c.Accumulated("n"))
}

func TestContext_CredentialScoping(t *testing.T) {
	c := NewContext("e1", "wf1", "u1", 0)
	c.BindCredential(&credential.Decrypted{
		Ref: "cred-1", Type: credential.TypeAPIKey, UserID: "u1",
		Data: map[string]string{"key": "s3cret"},
	})

	d, err := c.Credential("cred-1")
	require.NoError(t, err)
	assert.Equal(t, "s3cret", d.Data["key"])
	assert.Equal(t, []string{"s3cret"}, c.SecretValues())

	// An unbound reference is a kernel bug, not a user error.
	assert.Panics(t, func() { _, _ = c.Credential("never-bound") })

	// A handle owned by another user is refused even if bound.
	c.BindCredential(&credential.Decrypted{
		Ref: "cred-2", Type: credential.TypeAPIKey, UserID: "u2",
		Data: map[string]string{"key": "other"},
	})
	_, err = c.Credential("cred-2")
	assert.ErrorIs(t, err, credential.ErrForbidden)
}

func TestContext_DestroyZeroesCredentials(t *testing.T) {
	c := NewContext("e1", "wf1", "u1", 0)
	d := &credential.Decrypted{
		Ref: "cred-1", Type: credential.TypeAPIKey, UserID: "u1",
		Data: map[string]string{"key": "s3cret"},
	}
	c.BindCredential(d)
	c.Destroy()
	assert.Nil(t, d.Data)
}
