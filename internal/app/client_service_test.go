package app

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/ecocapital/ledger-service/internal/domain"
)

func TestClientService_CreateDefaultsToActive(t *testing.T) {
	f := newLedgerFixture(t)
	email := " Amina@Example.COM "

	client, err := f.clients.Create(context.Background(), teller, domain.CreateClientRequest{
		FirstName: "Amina",
		LastName:  "Ngoma",
		Email:     &email,
		Category:  domain.ClientBusiness,
		Origin:    "192.168.1.20",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if client.Status != domain.ClientActive {
		t.Fatalf("expected active status, got %s", client.Status)
	}
	if client.Email == nil || *client.Email != "amina@example.com" {
		t.Fatalf("expected normalised email, got %v", client.Email)
	}

	last, err := f.activity.Last(context.Background())
	if err != nil {
		t.Fatalf("failed to read activity: %v", err)
	}
	if last.Action != domain.ActionClientCreated || last.Details != "Client Amina Ngoma created" {
		t.Fatalf("unexpected activity %+v", last)
	}
}

func TestClientService_CreateRejectsDuplicateEmail(t *testing.T) {
	f := newLedgerFixture(t)
	email := "amina@example.com"
	req := domain.CreateClientRequest{FirstName: "Amina", LastName: "Ngoma", Email: &email, Category: domain.ClientIndividual}

	if _, err := f.clients.Create(context.Background(), teller, req); err != nil {
		t.Fatalf("first create failed: %v", err)
	}
	_, err := f.clients.Create(context.Background(), teller, req)
	assertKind(t, err, domain.KindConflict)
}

func TestClientService_UpdateKeepsStatusWhenOmitted(t *testing.T) {
	f := newLedgerFixture(t)
	client := f.newClient(t, "Amina", "Ngoma")

	updated, err := f.clients.Update(context.Background(), teller, client.ID, domain.UpdateClientRequest{
		FirstName: "Amina",
		LastName:  "Ngoma-Bouka",
		Phone:     "+242069999999",
		Category:  domain.ClientAssociation,
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Status != domain.ClientActive || updated.LastName != "Ngoma-Bouka" || updated.Category != domain.ClientAssociation {
		t.Fatalf("unexpected client %+v", updated)
	}

	_, err = f.clients.Update(context.Background(), teller, uuid.New(), domain.UpdateClientRequest{FirstName: "A", LastName: "B", Category: domain.ClientIndividual})
	assertKind(t, err, domain.KindNotFound)
}

func TestClientService_DeactivateIsSoft(t *testing.T) {
	f := newLedgerFixture(t)
	ctx := context.Background()
	client := f.newClient(t, "Amina", "Ngoma")
	account := f.openAccount(t, client.ID, "20.00")

	deactivated, err := f.clients.Deactivate(ctx, teller, client.ID, "")
	if err != nil {
		t.Fatalf("deactivate failed: %v", err)
	}
	if deactivated.Status != domain.ClientInactive {
		t.Fatalf("expected inactive, got %s", deactivated.Status)
	}

	got, err := f.accounts.Get(ctx, account.ID)
	if err != nil {
		t.Fatalf("account should survive deactivation: %v", err)
	}
	assertBalance(t, got.Balance, "20.00")

	active, err := f.clients.List(ctx, domain.ClientFilter{Status: domain.ClientActive})
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(active) != 0 {
		t.Fatalf("expected no active clients, got %d", len(active))
	}
}

func TestClientService_RequiresActor(t *testing.T) {
	f := newLedgerFixture(t)
	_, err := f.clients.Create(context.Background(), domain.Actor{}, domain.CreateClientRequest{FirstName: "A", LastName: "B", Category: domain.ClientIndividual})
	assertKind(t, err, domain.KindValidation)
}
