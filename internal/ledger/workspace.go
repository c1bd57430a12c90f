package ledger

import (
	"context"
	"strings"
)

// CreateWorkspace creates a workspace owned by the caller.
func (s *Service) CreateWorkspace(ctx context.Context, name, currency string) (Workspace, error) {
	user, err := caller(ctx)
	if err != nil {
		return Workspace{}, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return Workspace{}, invalid("workspace name is required")
	}
	cur, err := NormalizeCurrency(currency)
	if err != nil {
		return Workspace{}, err
	}
	ws := Workspace{
		Name:      name,
		Currency:  cur,
		OwnerID:   user,
		Members:   []string{user},
		CreatedAt: s.clock(),
	}
	if err := s.store.CreateWorkspace(ctx, &ws); err != nil {
		return Workspace{}, err
	}
	return ws, nil
}

func (s *Service) GetWorkspace(ctx context.Context, id int64) (Workspace, error) {
	if _, err := s.authorize(ctx, id); err != nil {
		return Workspace{}, err
	}
	return s.store.Workspace(ctx, id)
}

// AddMember grants userID access to the workspace. Only the owner may do this.
func (s *Service) AddMember(ctx context.Context, workspaceID int64, userID string) error {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return invalid("user id is required")
	}
	if _, err := s.requireOwner(ctx, workspaceID); err != nil {
		return err
	}
	return s.store.AddMember(ctx, workspaceID, userID)
}

// DeleteWorkspace removes the workspace and everything it owns.
func (s *Service) DeleteWorkspace(ctx context.Context, workspaceID int64) error {
	if _, err := s.requireOwner(ctx, workspaceID); err != nil {
		return err
	}
	err := s.atomic(ctx, "workspace.delete", Scope{Workspace: workspaceID, Exclusive: true}, func(tx Tx) error {
		return tx.DeleteWorkspace(ctx, workspaceID)
	})
	if err == nil {
		s.publish(Event{Type: "workspace.deleted", WorkspaceID: workspaceID})
	}
	return err
}

func (s *Service) requireOwner(ctx context.Context, workspaceID int64) (Workspace, error) {
	user, err := caller(ctx)
	if err != nil {
		return Workspace{}, err
	}
	ws, err := s.store.Workspace(ctx, workspaceID)
	if err != nil {
		return Workspace{}, err
	}
	if ws.OwnerID != user {
		return Workspace{}, ErrAccessDenied
	}
	return ws, nil
}

// NewAccount describes an account to open.
type NewAccount struct {
	Name           string
	ExternalRef    string
	OpeningBalance int64
	AllowOverdraft bool
}

// CreateAccount opens an account. A positive opening balance is written as an income
// entry in the same unit so every balance change has a ledger row.
func (s *Service) CreateAccount(ctx context.Context, workspaceID int64, in NewAccount) (Account, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.ExternalRef = strings.TrimSpace(in.ExternalRef)
	if in.Name == "" {
		return Account{}, invalid("account name is required")
	}
	if in.OpeningBalance < 0 {
		return Account{}, invalid("opening balance must be >= 0")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Account{}, err
	}

	var acc Account
	err := s.atomic(ctx, "account.create", Scope{Workspace: workspaceID}, func(tx Tx) error {
		now := s.clock()
		acc = Account{
			WorkspaceID:    workspaceID,
			Name:           in.Name,
			ExternalRef:    in.ExternalRef,
			AllowOverdraft: in.AllowOverdraft,
			Active:         true,
			CreatedAt:      now,
		}
		if err := tx.InsertAccount(ctx, &acc); err != nil {
			return err
		}
		if in.OpeningBalance == 0 {
			return nil
		}
		if err := acc.CanApply(in.OpeningBalance); err != nil {
			return err
		}
		bal, err := tx.AdjustBalance(ctx, acc.ID, in.OpeningBalance)
		if err != nil {
			return err
		}
		acc.Balance = bal
		acc.Version++
		return tx.InsertTransaction(ctx, &Transaction{
			WorkspaceID: workspaceID,
			Kind:        KindIncome,
			Amount:      in.OpeningBalance,
			AccountID:   int64Ptr(acc.ID),
			Description: "opening balance",
			OccurredAt:  now,
			CreatedAt:   now,
		})
	})
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

func (s *Service) GetAccount(ctx context.Context, workspaceID, id int64) (Account, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Account{}, err
	}
	acc, err := s.store.Account(ctx, id)
	if err != nil {
		return Account{}, err
	}
	if err := owned(workspaceID, acc.WorkspaceID); err != nil {
		return Account{}, err
	}
	return acc, nil
}

// Balance returns the committed balance of an account in minor units.
func (s *Service) Balance(ctx context.Context, workspaceID, id int64) (int64, error) {
	acc, err := s.GetAccount(ctx, workspaceID, id)
	if err != nil {
		return 0, err
	}
	return acc.Balance, nil
}

func (s *Service) ListAccounts(ctx context.Context, workspaceID int64) ([]Account, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.Accounts(ctx, workspaceID)
}

// AccountPatch lists the mutable account attributes; nil fields are left unchanged.
type AccountPatch struct {
	Name           *string
	ExternalRef    *string
	AllowOverdraft *bool
	Active         *bool
}

func (s *Service) UpdateAccount(ctx context.Context, workspaceID, id int64, patch AccountPatch) (Account, error) {
	if patch.Name != nil && strings.TrimSpace(*patch.Name) == "" {
		return Account{}, invalid("account name must not be empty")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Account{}, err
	}
	var acc Account
	err := s.atomic(ctx, "account.update", Scope{Workspace: workspaceID, Accounts: []int64{id}}, func(tx Tx) error {
		cur, err := tx.Account(ctx, id)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, cur.WorkspaceID); err != nil {
			return err
		}
		if patch.Name != nil {
			cur.Name = strings.TrimSpace(*patch.Name)
		}
		if patch.ExternalRef != nil {
			cur.ExternalRef = strings.TrimSpace(*patch.ExternalRef)
		}
		if patch.AllowOverdraft != nil {
			cur.AllowOverdraft = *patch.AllowOverdraft
		}
		if patch.Active != nil {
			cur.Active = *patch.Active
		}
		if !cur.AllowOverdraft && cur.Balance < 0 {
			return ErrInsufficientFunds
		}
		acc = cur
		return tx.UpdateAccount(ctx, cur)
	})
	if err != nil {
		return Account{}, err
	}
	return acc, nil
}

// DeleteAccount removes an account without ledger history. Accounts with entries or linked
// cards must be deactivated instead.
func (s *Service) DeleteAccount(ctx context.Context, workspaceID, id int64) error {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return err
	}
	return s.atomic(ctx, "account.delete", Scope{Workspace: workspaceID, Accounts: []int64{id}}, func(tx Tx) error {
		acc, err := tx.Account(ctx, id)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, acc.WorkspaceID); err != nil {
			return err
		}
		n, err := tx.CountAccountUsage(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrInUse
		}
		return tx.DeleteAccount(ctx, id)
	})
}

// NewCard describes a card to register. AccountID links a debit card to its account.
type NewCard struct {
	Name      string
	Last4     string
	AccountID *int64
}

func (s *Service) CreateCard(ctx context.Context, workspaceID int64, in NewCard) (Card, error) {
	in.Name = strings.TrimSpace(in.Name)
	if in.Name == "" {
		return Card{}, invalid("card name is required")
	}
	if in.Last4 != "" && !isDigits(in.Last4, 4) {
		return Card{}, invalid("last4 must be 4 digits")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Card{}, err
	}
	scope := Scope{Workspace: workspaceID}
	if in.AccountID != nil {
		scope.Accounts = []int64{*in.AccountID}
	}
	var card Card
	err := s.atomic(ctx, "card.create", scope, func(tx Tx) error {
		if in.AccountID != nil {
			if _, err := loadAccount(ctx, tx, workspaceID, *in.AccountID); err != nil {
				return err
			}
		}
		card = Card{
			WorkspaceID: workspaceID,
			AccountID:   in.AccountID,
			Name:        in.Name,
			Last4:       in.Last4,
			CreatedAt:   s.clock(),
		}
		return tx.InsertCard(ctx, &card)
	})
	if err != nil {
		return Card{}, err
	}
	return card, nil
}

func (s *Service) ListCards(ctx context.Context, workspaceID int64) ([]Card, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.Cards(ctx, workspaceID)
}

// DeleteCard removes a card that no entry or credit purchase references.
func (s *Service) DeleteCard(ctx context.Context, workspaceID, id int64) error {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return err
	}
	return s.atomic(ctx, "card.delete", Scope{Workspace: workspaceID, Cards: []int64{id}}, func(tx Tx) error {
		card, err := tx.Card(ctx, id)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, card.WorkspaceID); err != nil {
			return err
		}
		n, err := tx.CountCardUsage(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrInUse
		}
		return tx.DeleteCard(ctx, id)
	})
}

func (s *Service) CreateContact(ctx context.Context, workspaceID int64, name, email string) (Contact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Contact{}, invalid("contact name is required")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Contact{}, err
	}
	c := Contact{WorkspaceID: workspaceID, Name: name, Email: strings.TrimSpace(email)}
	err := s.atomic(ctx, "contact.create", Scope{Workspace: workspaceID}, func(tx Tx) error {
		c.CreatedAt = s.clock()
		return tx.InsertContact(ctx, &c)
	})
	if err != nil {
		return Contact{}, err
	}
	return c, nil
}

func (s *Service) ListContacts(ctx context.Context, workspaceID int64) ([]Contact, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.Contacts(ctx, workspaceID)
}

func (s *Service) UpdateContact(ctx context.Context, workspaceID, id int64, name, email string) (Contact, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Contact{}, invalid("contact name is required")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Contact{}, err
	}
	var c Contact
	err := s.atomic(ctx, "contact.update", Scope{Workspace: workspaceID}, func(tx Tx) error {
		cur, err := tx.Contact(ctx, id)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, cur.WorkspaceID); err != nil {
			return err
		}
		cur.Name, cur.Email = name, strings.TrimSpace(email)
		c = cur
		return tx.UpdateContact(ctx, cur)
	})
	return c, err
}

// DeleteContact removes a contact; transactions that referenced it keep their amounts and
// lose the reference.
func (s *Service) DeleteContact(ctx context.Context, workspaceID, id int64) error {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return err
	}
	return s.atomic(ctx, "contact.delete", Scope{Workspace: workspaceID}, func(tx Tx) error {
		c, err := tx.Contact(ctx, id)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, c.WorkspaceID); err != nil {
			return err
		}
		return tx.DeleteContact(ctx, id)
	})
}

func (s *Service) CreateCategory(ctx context.Context, workspaceID int64, name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, invalid("category name is required")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Category{}, err
	}
	c := Category{WorkspaceID: workspaceID, Name: name}
	err := s.atomic(ctx, "category.create", Scope{Workspace: workspaceID}, func(tx Tx) error {
		c.CreatedAt = s.clock()
		return tx.InsertCategory(ctx, &c)
	})
	if err != nil {
		return Category{}, err
	}
	return c, nil
}

func (s *Service) ListCategories(ctx context.Context, workspaceID int64) ([]Category, error) {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return nil, err
	}
	return s.store.Categories(ctx, workspaceID)
}

func (s *Service) RenameCategory(ctx context.Context, workspaceID, id int64, name string) (Category, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Category{}, invalid("category name is required")
	}
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return Category{}, err
	}
	var c Category
	err := s.atomic(ctx, "category.update", Scope{Workspace: workspaceID}, func(tx Tx) error {
		cur, err := tx.Category(ctx, id)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, cur.WorkspaceID); err != nil {
			return err
		}
		cur.Name = name
		c = cur
		return tx.UpdateCategory(ctx, cur)
	})
	return c, err
}

// DeleteCategory removes a category; referencing transactions become uncategorized.
func (s *Service) DeleteCategory(ctx context.Context, workspaceID, id int64) error {
	if _, err := s.authorize(ctx, workspaceID); err != nil {
		return err
	}
	return s.atomic(ctx, "category.delete", Scope{Workspace: workspaceID}, func(tx Tx) error {
		c, err := tx.Category(ctx, id)
		if err != nil {
			return err
		}
		if err := owned(workspaceID, c.WorkspaceID); err != nil {
			return err
		}
		return tx.DeleteCategory(ctx, id)
	})
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
