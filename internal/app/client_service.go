package app

import (
	"context"
	"fmt"
	"log"

	"github.com/google/uuid"

	"github.com/ecocapital/ledger-service/internal/domain"
	"github.com/ecocapital/ledger-service/internal/store"
)

// ClientService manages account holders. Clients are never deleted, only
// deactivated, so their transaction history keeps its owner.
type ClientService struct {
	repo     store.ClientRepository
	activity *ActivityLogger
}

func NewClientService(repo store.ClientRepository, activity *ActivityLogger) *ClientService {
	return &ClientService{repo: repo, activity: activity}
}

func (s *ClientService) Create(ctx context.Context, actor domain.Actor, req domain.CreateClientRequest) (*domain.Client, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	client := &domain.Client{
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		Category:  req.Category,
		Status:    req.Status,
	}
	if client.Status == "" {
		client.Status = domain.ClientActive
	}
	if _, err := s.repo.CreateClient(ctx, client); err != nil {
		return nil, err
	}

	s.record(ctx, actor, domain.ActionClientCreated, fmt.Sprintf("Client %s created", client.FullName()), req.Origin)
	return client, nil
}

// Update replaces the editable profile fields. An empty status keeps the current one.
func (s *ClientService) Update(ctx context.Context, actor domain.Actor, clientID uuid.UUID, req domain.UpdateClientRequest) (*domain.Client, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	client.FirstName = req.FirstName
	client.LastName = req.LastName
	client.Email = req.Email
	client.Phone = req.Phone
	client.Category = req.Category
	if req.Status != "" {
		client.Status = req.Status
	}
	if err := s.repo.UpdateClient(ctx, client); err != nil {
		return nil, err
	}

	s.record(ctx, actor, domain.ActionClientUpdated, fmt.Sprintf("Client %s updated", client.FullName()), req.Origin)
	return client, nil
}

// Deactivate marks a client inactive. Accounts and history are left untouched.
func (s *ClientService) Deactivate(ctx context.Context, actor domain.Actor, clientID uuid.UUID, origin string) (*domain.Client, error) {
	if err := actor.Validate(); err != nil {
		return nil, err
	}
	if err := s.repo.SetClientStatus(ctx, clientID, domain.ClientInactive); err != nil {
		return nil, err
	}
	client, err := s.repo.GetClient(ctx, clientID)
	if err != nil {
		return nil, err
	}

	s.record(ctx, actor, domain.ActionClientDeactivated, fmt.Sprintf("Client %s deactivated", client.FullName()), origin)
	return client, nil
}

func (s *ClientService) Get(ctx context.Context, clientID uuid.UUID) (*domain.Client, error) {
	return s.repo.GetClient(ctx, clientID)
}

func (s *ClientService) List(ctx context.Context, filter domain.ClientFilter) ([]domain.Client, error) {
	return s.repo.ListClients(ctx, filter)
}

func (s *ClientService) record(ctx context.Context, actor domain.Actor, action domain.ActivityAction, details, origin string) {
	if s.activity == nil {
		return
	}
	if err := s.activity.Record(ctx, actor, action, details, origin); err != nil {
		log.Printf("level=error component=clients msg=\"activity log write failed\" action=%s actor=%s err=%v", action, actor.ID, err)
	}
}
