//go:build integration

package mongo_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/bson"
	mongod "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/jobservice/store"
	"github.com/xraph/jobservice/store/mongo"
	"github.com/xraph/jobservice/store/storetest"
)

// setupTestClient starts a single-node MongoDB replica set, since the
// store relies on multi-document transactions.
func setupTestClient(t *testing.T) *mongod.Client {
	t.Helper()

	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			Cmd:          []string{"--replSet", "rs0", "--bind_ip_all"},
			WaitingFor: wait.ForLog("Waiting for connections").
				WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		t.Fatalf("start mongo container: %v", err)
	}
	t.Cleanup(func() {
		if termErr := container.Terminate(ctx); termErr != nil {
			t.Logf("terminate container: %v", termErr)
		}
	})

	endpoint, err := container.Endpoint(ctx, "")
	if err != nil {
		t.Fatalf("get endpoint: %v", err)
	}

	uri := fmt.Sprintf("mongodb://%s/?directConnection=true", endpoint)
	client, err := mongod.Connect(options.Client().ApplyURI(uri))
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Disconnect(ctx) })

	initiate := bson.D{{Key: "replSetInitiate", Value: bson.M{
		"_id":     "rs0",
		"members": bson.A{bson.M{"_id": 0, "host": "localhost:27017"}},
	}}}
	if err := client.Database("admin").RunCommand(ctx, initiate).Err(); err != nil {
		t.Fatalf("replSetInitiate: %v", err)
	}

	deadline := time.Now().Add(30 * time.Second)
	for {
		var hello struct {
			IsWritablePrimary bool `bson:"isWritablePrimary"`
		}
		err := client.Database("admin").RunCommand(ctx, bson.D{{Key: "hello", Value: 1}}).Decode(&hello)
		if err == nil && hello.IsWritablePrimary {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("replica set never elected a primary: %v", err)
		}
		time.Sleep(200 * time.Millisecond)
	}
	return client
}

func TestStore(t *testing.T) {
	client := setupTestClient(t)

	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		t.Helper()
		n++
		s := mongo.New(client, fmt.Sprintf("jobservice_test_%d", n))
		if err := s.Migrate(context.Background()); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		return s
	})
}
