package transfer_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	xe "github.com/opst/chiltepin/pkg/errors"
	"github.com/opst/chiltepin/pkg/transfer"
	"github.com/opst/chiltepin/pkg/transfer/transfertest"
	"github.com/opst/chiltepin/pkg/utils/try"
)

var (
	hera  = transfer.Endpoint{ID: "1b1c2f6e-4f7a-4c58-9a1b-0c2d3e4f5a6b", DisplayName: "hera-dtn"}
	ursa  = transfer.Endpoint{ID: "7d8e9f0a-1b2c-4d3e-8f4a-5b6c7d8e9f0a", DisplayName: "ursa-dtn"}
	hera2 = transfer.Endpoint{ID: "2c3d4e5f-6a7b-4c8d-9e0f-1a2b3c4d5e6f", DisplayName: "hera-dtn-backup"}
)

func TestTransfer(t *testing.T) {
	ctx := context.Background()
	fast := 10 * time.Millisecond

	t.Run("it resolves endpoints and waits for success", func(t *testing.T) {
		server := transfertest.NewServer(hera, hera2, ursa)
		defer server.Close()
		server.Outcome(transfer.Succeeded, 2)
		g := transfer.New(transfer.NewClient(server.URL))

		ok := try.To(g.Transfer(ctx, transfer.TransferRequest{
			Source: "hera-dtn", Destination: ursa.ID,
			SourcePath: "/data/in", DestinationPath: "/data/out", Recursive: true,
			PollingInterval: fast,
		})).OrFatal(t)
		if !ok {
			t.Error("transfer is not successful")
		}

		sent := server.Submitted()
		if len(sent) != 1 {
			t.Fatalf("submitted: %+v", sent)
		}
		doc := sent[0]
		if doc.DataType != "transfer" || doc.Source != hera.ID || doc.Destination != ursa.ID || len(doc.SubmissionID) != 36 {
			t.Errorf("document: %+v", doc)
		}
		expected := transfer.Item{
			DataType: "transfer_item", SourcePath: "/data/in", DestinationPath: "/data/out", Recursive: true,
		}
		if len(doc.Items) != 1 || doc.Items[0] != expected {
			t.Errorf("items: %+v", doc.Items)
		}
	})

	t.Run("a failed transfer is not successful", func(t *testing.T) {
		server := transfertest.NewServer(hera, ursa)
		defer server.Close()
		server.Outcome(transfer.Failed, 0)
		g := transfer.New(transfer.NewClient(server.URL))

		ok := try.To(g.Transfer(ctx, transfer.TransferRequest{
			Source: "hera-dtn", Destination: "ursa-dtn", PollingInterval: fast,
		})).OrFatal(t)
		if ok {
			t.Error("failed transfer is successful")
		}
	})

	t.Run("a transfer not done in time is not successful", func(t *testing.T) {
		server := transfertest.NewServer(hera, ursa)
		defer server.Close()
		server.Outcome(transfer.Succeeded, 1_000_000)
		g := transfer.New(transfer.NewClient(server.URL))

		before := time.Now()
		ok, err := g.Transfer(ctx, transfer.TransferRequest{
			Source: "hera-dtn", Destination: "ursa-dtn",
			Timeout: 100 * time.Millisecond, PollingInterval: fast,
		})
		if err != nil {
			t.Fatal(err)
		}
		if ok {
			t.Error("transfer is successful")
		}
		if 5*time.Second < time.Since(before) {
			t.Error("timeout does not work")
		}
	})

	t.Run("an unknown endpoint is an error", func(t *testing.T) {
		server := transfertest.NewServer(hera)
		defer server.Close()
		g := transfer.New(transfer.NewClient(server.URL))

		_, err := g.Transfer(ctx, transfer.TransferRequest{Source: "hera-dtn", Destination: "nowhere"})
		if !errors.Is(err, xe.ErrUnknownEndpoint) || !strings.Contains(err.Error(), "nowhere") {
			t.Errorf("unexpected error: %v", err)
		}
		if len(server.Submitted()) != 0 {
			t.Error("it is submitted")
		}
	})

	t.Run("a partial match of name is not the endpoint", func(t *testing.T) {
		server := transfertest.NewServer(hera2)
		defer server.Close()
		g := transfer.New(transfer.NewClient(server.URL))

		_, err := g.Delete(ctx, transfer.DeleteRequest{Endpoint: "hera-dtn", Path: "/x"})
		if !errors.Is(err, xe.ErrUnknownEndpoint) {
			t.Errorf("unexpected error: %v", err)
		}
	})

	t.Run("consent required is reported as is", func(t *testing.T) {
		server := transfertest.NewServer(hera, ursa)
		defer server.Close()
		server.RequireConsent(true)
		g := transfer.New(transfer.NewClient(server.URL))

		_, err := g.Transfer(ctx, transfer.TransferRequest{Source: "hera-dtn", Destination: "ursa-dtn"})
		if !errors.Is(err, xe.ErrConsentRequired) {
			t.Fatalf("unexpected error: %v", err)
		}
		ce := new(transfer.ConsentError)
		if !errors.As(err, &ce) || !strings.Contains(ce.Error(), "You must login a second time") {
			t.Errorf("unexpected error: %v", err)
		}
	})
}

func TestDelete(t *testing.T) {
	server := transfertest.NewServer(hera)
	defer server.Close()
	g := transfer.New(transfer.NewClient(server.URL))

	ok := try.To(g.Delete(context.Background(), transfer.DeleteRequest{
		Endpoint: "hera-dtn", Path: "/data/old", Recursive: true, PollingInterval: 10 * time.Millisecond,
	})).OrFatal(t)
	if !ok {
		t.Error("deletion is not successful")
	}
	sent := server.Submitted()
	if len(sent) != 1 {
		t.Fatalf("submitted: %+v", sent)
	}
	doc := sent[0]
	if doc.DataType != "delete" || doc.Endpoint != hera.ID || !doc.Recursive {
		t.Errorf("document: %+v", doc)
	}
	if len(doc.Items) != 1 || doc.Items[0].Path != "/data/old" || doc.Items[0].DataType != "delete_item" {
		t.Errorf("items: %+v", doc.Items)
	}
}
