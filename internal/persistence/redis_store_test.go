package persistence

import (
	"context"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/suite"

	"github.com/petrijr/orchestro/internal/testutil"
	"github.com/petrijr/orchestro/pkg/api"
)

const prefix = "orchestro:test:"

type RedisStoreTestSuite struct {
	suite.Suite
	endpoint string
	store    *RedisWorkflowStore
	client   *redis.Client
	ctx      context.Context
}

func TestRedisTestSuite(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping Redis container tests in short mode")
	}
	testsuite := new(RedisStoreTestSuite)
	testsuite.endpoint = testutil.GetRedisAddress(t)
	initTestRedisStore(t, testsuite)
	suite.Run(t, testsuite)
}

func (r *RedisStoreTestSuite) SetupTest() {
	ctx := context.Background()

	// Clean up all keys with this prefix.
	iter := r.client.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		err := r.client.Del(ctx, iter.Val()).Err()
		r.NoErrorf(err, "redis DEL %q failed: %v", iter.Val(), err)
	}
	r.NoError(iter.Err(), "redis SCAN failed")
}

// initTestRedisStore connects to Redis using the address given in testSuite-argument
// and fills the testSuite with a WorkflowStore that uses a test-specific prefix.
func initTestRedisStore(t *testing.T, ts *RedisStoreTestSuite) {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: ts.endpoint,
	})
	t.Cleanup(func() {
		_ = client.Close()
	})
	ts.client = client

	ctx := context.Background()
	ts.ctx = ctx
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	ts.store = NewRedisWorkflowStore(client, prefix)
}

func (r *RedisStoreTestSuite) TestRedisWorkflowStore_Contract() {
	runStoreContract(r.T(), r.store)
}

func (r *RedisStoreTestSuite) TestRedisWorkflowStore_StatusIndexMovesWithSave() {
	wf := sampleWorkflow("redis-idx", api.StatusCreated)
	_, err := r.store.Save(r.ctx, wf)
	r.Require().NoError(err)

	wf.ExecutionStatus.Status = api.StatusPaused
	_, err = r.store.Save(r.ctx, wf)
	r.Require().NoError(err)

	createdMembers, err := r.client.SMembers(r.ctx, prefix+"idx:status:created").Result()
	r.Require().NoError(err)
	r.Empty(createdMembers)

	pausedMembers, err := r.client.SMembers(r.ctx, prefix+"idx:status:paused").Result()
	r.Require().NoError(err)
	r.Equal([]string{"redis-idx"}, pausedMembers)
}

func (r *RedisStoreTestSuite) TestRedisWorkflowStore_SkipsVanishedPayloads() {
	_, err := r.store.Save(r.ctx, sampleWorkflow("redis-gone", api.StatusRunning))
	r.Require().NoError(err)

	// Simulate an index entry without a payload.
	r.Require().NoError(r.client.Del(r.ctx, prefix+"wf:redis-gone").Err())

	all, err := r.store.FindAll(r.ctx)
	r.Require().NoError(err)
	r.Empty(all)
}

func (r *RedisStoreTestSuite) TestRedisWorkflowStore_DefaultPrefix() {
	s := NewRedisWorkflowStore(r.client, "")
	r.Equal("orchestro:wf:x", s.keyWorkflow("x"))
}
