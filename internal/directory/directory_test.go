package directory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"changenotify/internal/domain"
)

func TestStaticDirectory(t *testing.T) {
	d, err := NewStatic(Config{
		Users: []domain.User{
			{ID: "u1", Email: "ana@example.com"},
			{ID: "u2", Email: "bo@example.com", Addresses: map[domain.Channel]string{domain.ChannelSlack: "@bo"}},
		},
		Roles: map[string][]string{"product_manager": {"u2", "u1"}, "executive": {"u1"}},
	})
	require.NoError(t, err)
	ctx := context.Background()

	users, err := d.UsersByRole(ctx, "product_manager")
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u2", users[0].ID)
	assert.Equal(t, "@bo", users[0].AddressFor(domain.ChannelSlack))

	_, err = d.UsersByRole(ctx, "legal")
	assert.ErrorIs(t, err, ErrUnknownRole)

	u, ok := d.User(ctx, "u1")
	require.True(t, ok)
	assert.Equal(t, "ana@example.com", u.Email)
	assert.Equal(t, []string{"executive", "product_manager"}, d.Roles())
}

func TestStaticDirectoryRejectsBadConfig(t *testing.T) {
	_, err := NewStatic(Config{Users: []domain.User{{ID: "a"}, {ID: "a"}}})
	assert.ErrorContains(t, err, "duplicate")

	_, err = NewStatic(Config{Users: []domain.User{{ID: "a"}}, Roles: map[string][]string{"r": {"b"}}})
	assert.ErrorContains(t, err, "unknown user")

	d, err := NewStatic(Config{Users: []domain.User{{ID: "a"}}, Roles: map[string][]string{"r": {"a"}}})
	require.NoError(t, err)
	require.Error(t, d.Reload(Config{Users: []domain.User{{ID: ""}}}))
	users, err := d.UsersByRole(context.Background(), "r")
	require.NoError(t, err)
	assert.Len(t, users, 1)
}
