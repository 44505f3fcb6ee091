// Copyright (c) Edgeless Systems GmbH.
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package remote

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/edgelesssys/devicelock/controller/store"
	"github.com/edgelesssys/devicelock/controller/store/stdstore"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestClient(t *testing.T) (*Client, *stdstore.StdStore) {
	t.Helper()
	log := zaptest.NewLogger(t)
	backing := stdstore.New(afero.NewMemMapFs(), "/data", log)

	lis := bufconn.Listen(1 << 20)
	grpcServer := grpc.NewServer()
	RegisterParamStoreServer(grpcServer, NewServer(backing, log))
	go func() { _ = grpcServer.Serve(lis) }()
	t.Cleanup(grpcServer.Stop)

	client := NewClient("passthrough:///bufnet", log, WithDialOptions(
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	))
	require.NoError(t, client.Connect(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client, backing
}

func TestClientTransaction(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	client, backing := newTestClient(t)

	tx, err := client.BeginTransaction(ctx)
	require.NoError(err)
	_, err = tx.Get("flag:a")
	assert.ErrorIs(err, store.ErrValueUnset)

	require.NoError(tx.Put("flag:a", []byte("true")))
	require.NoError(tx.Put("flag:b", []byte("false")))
	value, err := tx.Get("flag:a")
	require.NoError(err)
	assert.Equal([]byte("true"), value)

	// nothing is visible remotely before commit
	_, err = backing.Get("flag:a")
	assert.ErrorIs(err, store.ErrValueUnset)

	require.NoError(tx.Commit(ctx))
	tx.Rollback()

	value, err = backing.Get("flag:b")
	require.NoError(err)
	assert.Equal([]byte("false"), value)

	tx, err = client.BeginTransaction(ctx)
	require.NoError(err)
	require.NoError(tx.Delete("flag:a"))
	require.NoError(tx.Put("flag:c", []byte("true")))

	iter, err := tx.Iterator("flag:")
	require.NoError(err)
	var keys []string
	for iter.HasNext() {
		key, err := iter.GetNext()
		require.NoError(err)
		keys = append(keys, key)
	}
	assert.ElementsMatch([]string{"flag:b", "flag:c"}, keys)
	_, err = iter.GetNext()
	assert.Error(err)

	require.NoError(tx.Commit(ctx))
	_, err = backing.Get("flag:a")
	assert.ErrorIs(err, store.ErrValueUnset)
	_, err = backing.Get("flag:c")
	assert.NoError(err)
}

func TestClientRollback(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	client, backing := newTestClient(t)

	tx, err := client.BeginTransaction(ctx)
	require.NoError(err)
	require.NoError(tx.Put("deviceState", []byte("7")))
	tx.Rollback()
	assert.Error(tx.Commit(ctx))

	_, err = backing.Get("deviceState")
	assert.ErrorIs(err, store.ErrValueUnset)
}

func TestClientNotConnected(t *testing.T) {
	client := NewClient("passthrough:///bufnet", zaptest.NewLogger(t))
	_, err := client.BeginTransaction(context.Background())
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.NoError(t, client.Close())
}

func TestConnectGivesUp(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	require.NoError(t, lis.Close())

	client := NewClient("passthrough:///bufnet", zaptest.NewLogger(t),
		WithMaxWait(300*time.Millisecond),
		WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		})),
	)
	assert.Error(t, client.Connect(context.Background()))
}
