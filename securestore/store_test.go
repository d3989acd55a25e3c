package securestore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/f3rmion/aura/ids"
	"github.com/f3rmion/aura/internal/logging"
	"github.com/f3rmion/aura/journal"
	"github.com/f3rmion/aura/securestore"
)

func TestStoreAndRetrieve(t *testing.T) {
	store, err := securestore.Generate(logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	rw := securestore.Caps(securestore.CapRead, securestore.CapWrite)

	loc := securestore.AMPBootstrapKey(ids.FromLabel[ids.ContextID]("ctx"), ids.FromLabel[ids.ChannelID]("chan"), ids.Sum([]byte("key")))
	require.NoError(t, store.Store(ctx, loc, []byte("secret"), rw))

	got, err := store.Retrieve(ctx, loc, securestore.Caps(securestore.CapRead))
	require.NoError(t, err)
	assert.Equal(t, []byte("secret"), got)

	err = store.Store(ctx, loc, []byte("other"), rw)
	require.ErrorIs(t, err, securestore.ErrExists)

	_, err = store.Retrieve(ctx, securestore.Location{Namespace: "missing"}, rw)
	require.True(t, securestore.IsNotFound(err))
	assert.Equal(t, journal.KindResource, journal.KindOf(err))
}

func TestCapabilitiesAreChecked(t *testing.T) {
	store, err := securestore.Generate(logging.Nop())
	require.NoError(t, err)
	ctx := context.Background()
	loc := securestore.Location{Namespace: "test", Key: "k"}

	err = store.Store(ctx, loc, []byte("x"), securestore.Caps(securestore.CapRead))
	require.ErrorIs(t, err, securestore.ErrPermission)

	require.NoError(t, store.Store(ctx, loc, []byte("x"), securestore.Caps(securestore.CapWrite)))
	_, err = store.Retrieve(ctx, loc, securestore.Caps(securestore.CapWrite))
	require.ErrorIs(t, err, securestore.ErrPermission)
}

func TestLocationFormat(t *testing.T) {
	ctx := ids.FromLabel[ids.ContextID]("ctx")
	ch := ids.FromLabel[ids.ChannelID]("chan")
	bootstrap := ids.Sum([]byte("key"))
	loc := securestore.AMPBootstrapKey(ctx, ch, bootstrap)
	assert.Equal(t, "amp_bootstrap_key/"+ids.Hex(ctx)+"/"+ids.Hex(ch)+"/"+bootstrap.String(), loc.String())
	assert.Len(t, ids.Hex(ctx), 64)
}

func TestDirectorySealsForDevice(t *testing.T) {
	alice, err := securestore.Generate(logging.Nop())
	require.NoError(t, err)
	bob, err := securestore.Generate(logging.Nop())
	require.NoError(t, err)

	dir := securestore.NewDirectory()
	aliceID := ids.FromLabel[ids.DeviceID]("alice")
	dir.Register(aliceID, alice.Recipient())

	sealed, err := dir.SealFor(aliceID, []byte("share"))
	require.NoError(t, err)

	opened, err := securestore.Open(sealed, alice.Identity())
	require.NoError(t, err)
	assert.Equal(t, []byte("share"), opened)

	_, err = securestore.Open(sealed, bob.Identity())
	require.Error(t, err)

	_, err = dir.SealFor(ids.FromLabel[ids.DeviceID]("bob"), []byte("x"))
	require.ErrorIs(t, err, securestore.ErrUnknownRecipient)
}
