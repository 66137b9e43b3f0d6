package main

import (
	"context"
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/aztables"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	log "github.com/sirupsen/logrus"
)

const (
	queueAlreadyExists = "QueueAlreadyExists"
	retryInterval      = 2 * time.Second
)

func main() {
	if dbg, err := strconv.ParseBool(os.Getenv("DEBUG")); err == nil && dbg {
		log.SetLevel(log.DebugLevel)
	}

	connStr := os.Getenv("STORAGE_CONNECTION_STRING")
	table := os.Getenv("TASKS_TABLE")
	if connStr == "" || table == "" {
		log.Fatal("missing STORAGE_CONNECTION_STRING or TASKS_TABLE")
	}
	queue := os.Getenv("EXECUTIONS_QUEUE")

	timeout := time.Minute
	if v := os.Getenv("STORAGE_INIT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("invalid STORAGE_INIT_TIMEOUT: %q", v)
		}
		timeout = d
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	log.WithFields(log.Fields{"table": table, "queue": queue}).Info("storage init starting")

	// The storage emulator may still be starting when this runs.
	err := retry(ctx, func() error { return createTable(ctx, connStr, table) })
	if err != nil {
		log.Fatalf("create table %s: %v", table, err)
	}
	if queue != "" {
		if err := retry(ctx, func() error { return createQueue(ctx, connStr, queue) }); err != nil {
			log.Fatalf("create queue %s: %v", queue, err)
		}
	}

	log.Info("storage init complete")
}

func retry(ctx context.Context, fn func() error) error {
	for {
		err := fn()
		if err == nil {
			return nil
		}
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) {
			// the service answered, retrying will not help
			return err
		}
		log.WithError(err).Warn("storage not reachable, retrying")
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(retryInterval):
		}
	}
}

func createTable(ctx context.Context, connStr, name string) error {
	svc, err := aztables.NewServiceClientFromConnectionString(connStr, nil)
	if err != nil {
		return err
	}
	if _, err := svc.NewClient(name).CreateTable(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == string(aztables.TableAlreadyExists) {
			log.WithField("table", name).Debug("table already exists")
			return nil
		}
		return err
	}
	log.WithField("table", name).Info("table created")
	return nil
}

func createQueue(ctx context.Context, connStr, name string) error {
	q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, nil)
	if err != nil {
		return err
	}
	if _, err := q.Create(ctx, nil); err != nil {
		var respErr *azcore.ResponseError
		if errors.As(err, &respErr) && respErr.ErrorCode == queueAlreadyExists {
			log.WithField("queue", name).Debug("queue already exists")
			return nil
		}
		return err
	}
	log.WithField("queue", name).Info("queue created")
	return nil
}
