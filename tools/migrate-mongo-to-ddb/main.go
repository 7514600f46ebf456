// Command migrate-mongo-to-ddb copies orders from a MongoDB deployment into the DynamoDB
// orders table. Orders already present in DynamoDB are skipped, so reruns are safe.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	aws_pkg "github.com/tuitrade/backend/pkg/aws"
	ddb "github.com/tuitrade/backend/pkg/dynamodb"
	"github.com/tuitrade/backend/services/payment-service/models"
	"github.com/tuitrade/backend/services/payment-service/repository"
)

func main() {
	var mongoURI, dbName, table string
	var batchSize int
	flag.StringVar(&mongoURI, "mongo", os.Getenv("MONGO_URL"), "MongoDB URI")
	flag.StringVar(&dbName, "db", os.Getenv("MONGO_DB"), "MongoDB database name")
	flag.StringVar(&table, "table", os.Getenv("DDB_TABLE_ORDERS"), "DynamoDB orders table")
	flag.IntVar(&batchSize, "batch", 500, "Mongo cursor batch size")
	flag.Parse()

	if mongoURI == "" || dbName == "" {
		log.Fatal("MONGO_URL and MONGO_DB must be set or provided via flags")
	}
	if table == "" {
		table = "Orders"
	}

	ctx := context.Background()
	mclient, err := repository.ConnectMongo(ctx, mongoURI)
	if err != nil {
		log.Fatalf("mongo connect: %v", err)
	}
	defer mclient.Disconnect(ctx)
	source := repository.NewMongoOrderRepository(mclient.Database(dbName))

	awsCfg, err := aws_pkg.LoadAWSConfig(ctx)
	if err != nil {
		log.Fatalf("aws config: %v", err)
	}
	target := repository.NewDynamoOrderRepository(ddb.NewClientFromConfig(awsCfg), table)

	stats, err := migrateOrders(ctx, source, target, int32(batchSize))
	if err != nil {
		log.Fatalf("migration aborted after %d orders: %v", stats.migrated, err)
	}
	fmt.Printf("Migration complete. migrated=%d skipped=%d failed=%d\n", stats.migrated, stats.skipped, stats.failed)
}

type orderSource interface {
	ForEach(ctx context.Context, batchSize int32, fn func(*models.Order) error) error
}

type migrationStats struct {
	migrated, skipped, failed int
}

func migrateOrders(ctx context.Context, source orderSource, target repository.OrderRepository, batchSize int32) (migrationStats, error) {
	var stats migrationStats
	err := source.ForEach(ctx, batchSize, func(o *models.Order) error {
		if o.ID == "" {
			log.Printf("skipping order without id (item %s)", o.ItemID)
			stats.failed++
			return nil
		}
		if o.CreatedAt.IsZero() {
			o.CreatedAt = time.Now().UTC()
		}
		if o.UpdatedAt.IsZero() {
			o.UpdatedAt = o.CreatedAt
		}
		if o.PaymentStatus == "" {
			o.PaymentStatus = o.Status
		}

		err := target.Create(ctx, o)
		switch {
		case errors.Is(err, repository.ErrAlreadyExists):
			stats.skipped++
		case err != nil:
			log.Printf("failed to write order %s to ddb: %v", o.ID, err)
			stats.failed++
		default:
			stats.migrated++
			if stats.migrated%100 == 0 {
				log.Printf("migrated %d orders", stats.migrated)
			}
		}
		return nil
	})
	return stats, err
}
