package secrets

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestResolveOrder(t *testing.T) {
	keyring.MockInit()
	t.Setenv("AGENDA_TEST_KEY", "from-env")

	v, err := Resolve(" from-config ", "AGENDA_TEST_KEY", Account("openai"))
	require.NoError(t, err)
	require.Equal(t, "from-config", v)

	v, err = Resolve("", "AGENDA_TEST_KEY", Account("openai"))
	require.NoError(t, err)
	require.Equal(t, "from-env", v)

	t.Setenv("AGENDA_TEST_KEY", "")
	require.NoError(t, Set(Account("openai"), "from-keyring"))
	v, err = Resolve("", "AGENDA_TEST_KEY", Account("OpenAI"))
	require.NoError(t, err)
	require.Equal(t, "from-keyring", v)

	require.NoError(t, Delete(Account("openai")))
	_, err = Resolve("", "AGENDA_TEST_KEY", Account("openai"))
	require.True(t, errors.Is(err, ErrNotFound))
}

func TestSetValidates(t *testing.T) {
	keyring.MockInit()

	require.Error(t, Set("", "x"))
	require.Error(t, Set("llm:openai", " "))
	require.Error(t, Delete(""))
}
