/**
 * @description
 * Client is the holder of one or more bank accounts. Clients are never physically
 * deleted; deactivation flips the status and keeps every account and transaction
 * that references them.
 */
package domain

import (
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ClientCategory is the closed set of client kinds.
type ClientCategory string

const (
	ClientIndividual  ClientCategory = "individual"
	ClientBusiness    ClientCategory = "business"
	ClientAssociation ClientCategory = "association"
)

var ClientCategories = []ClientCategory{ClientIndividual, ClientBusiness, ClientAssociation}

func (c ClientCategory) Valid() bool {
	switch c {
	case ClientIndividual, ClientBusiness, ClientAssociation:
		return true
	}
	return false
}

// ClientStatus is the lifecycle state of a client.
type ClientStatus string

const (
	ClientActive   ClientStatus = "active"
	ClientInactive ClientStatus = "inactive"
	ClientPending  ClientStatus = "pending"
)

func (s ClientStatus) Valid() bool {
	switch s {
	case ClientActive, ClientInactive, ClientPending:
		return true
	}
	return false
}

// Client maps to the `clients` table.
type Client struct {
	ID        uuid.UUID      `json:"id"`
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Email     *string        `json:"email,omitempty"`
	Phone     string         `json:"phone"`
	Category  ClientCategory `json:"category"`
	Status    ClientStatus   `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (c *Client) FullName() string {
	return strings.TrimSpace(c.FirstName + " " + c.LastName)
}

// Normalize trims text fields and lower-cases the email. An empty email becomes nil.
func (c *Client) Normalize() {
	c.FirstName = strings.TrimSpace(c.FirstName)
	c.LastName = strings.TrimSpace(c.LastName)
	c.Phone = strings.TrimSpace(c.Phone)
	if c.Email != nil {
		email := strings.ToLower(strings.TrimSpace(*c.Email))
		if email == "" {
			c.Email = nil
		} else {
			c.Email = &email
		}
	}
}

// Validate checks the fields every stored client must carry.
func (c *Client) Validate() error {
	if c.FirstName == "" || c.LastName == "" {
		return Validationf("first and last name are required")
	}
	if c.Email != nil {
		if _, err := mail.ParseAddress(*c.Email); err != nil {
			return Validationf("invalid email %q", *c.Email)
		}
	}
	if !c.Category.Valid() {
		return Validationf("unknown client category %q", c.Category)
	}
	if !c.Status.Valid() {
		return Validationf("unknown client status %q", c.Status)
	}
	return nil
}

// ClientFilter narrows ListClients. Zero values mean "any".
type ClientFilter struct {
	Search   string
	Category ClientCategory
	Status   ClientStatus
	Limit    int
	Offset   int
}

// CreateClientRequest is the DTO for registering a client.
type CreateClientRequest struct {
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Email     *string        `json:"email"`
	Phone     string         `json:"phone"`
	Category  ClientCategory `json:"category"`
	Status    ClientStatus   `json:"status"`
	Origin    string         `json:"-"`
}

// UpdateClientRequest replaces the editable profile fields of a client.
type UpdateClientRequest struct {
	FirstName string         `json:"first_name"`
	LastName  string         `json:"last_name"`
	Email     *string        `json:"email"`
	Phone     string         `json:"phone"`
	Category  ClientCategory `json:"category"`
	Status    ClientStatus   `json:"status"`
	Origin    string         `json:"-"`
}
