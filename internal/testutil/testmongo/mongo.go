package testmongo

import (
	"context"
	"strings"
	"testing"

	"github.com/chirino/contentpool/internal/config"
	"github.com/chirino/contentpool/internal/testutil/testenv"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"
)

// Configure points cfg's hot blob tier at GridFS in a disposable MongoDB.
// Each test gets its own database.
func Configure(tb testing.TB, cfg *config.Config) {
	tb.Helper()
	testenv.RequireIntegration(tb)

	ctx := context.Background()
	c, err := mongodb.Run(ctx, "mongo:7")
	if err != nil {
		tb.Fatalf("start mongo: %v", err)
	}
	testenv.Terminate(tb, "mongo", c)

	uri, err := c.ConnectionString(ctx)
	if err != nil {
		tb.Fatalf("mongo connection string: %v", err)
	}
	cfg.BlobType = "mongo"
	cfg.MongoURL = uri
	cfg.MongoDatabase = databaseName(tb.Name())
}

func databaseName(test string) string {
	name := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		}
		return '_'
	}, test)
	if len(name) > 48 {
		name = name[:48]
	}
	return "cp_" + name
}
