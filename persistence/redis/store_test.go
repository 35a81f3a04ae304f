package redis

import (
	"context"
	"testing"

	rd "github.com/go-redis/redis/v9"
	"github.com/google/uuid"
	"github.com/mohitkumar/fleetflow/internal/testutil"
	"github.com/mohitkumar/fleetflow/persistence"
	"github.com/mohitkumar/fleetflow/persistence/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestRedisStore(t *testing.T) {
	addr := testutil.RedisAddress(t)
	suite.Run(t, &storetest.StoreSuite{
		NewStore: func() persistence.Store {
			client := rd.NewUniversalClient(&rd.UniversalOptions{Addrs: []string{addr}})
			require.NoError(t, client.Ping(context.Background()).Err())
			// A fresh namespace per test keeps runs isolated without flushing.
			return NewStoreWithClient(client, "test-"+uuid.NewString())
		},
	})
}

func TestNamespaceKey(t *testing.T) {
	dao := &baseDao{namespace: "ff"}
	assert.Equal(t, "ff:FLOW:C.1", dao.getNamespaceKey(FLOW_KEY, "C.1"))
	assert.Equal(t, "ff:RESPONSE:C.1:F1:7", NewStoreWithClient(nil, "ff").responsesKey("C.1", "F1", 7))
}

func TestRangeBounds(t *testing.T) {
	start, stop := rangeBounds(2, 3)
	assert.Equal(t, int64(2), start)
	assert.Equal(t, int64(4), stop)
	start, stop = rangeBounds(5, 0)
	assert.Equal(t, int64(5), start)
	assert.Equal(t, int64(-1), stop)
}
