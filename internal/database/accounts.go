package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"vpn-usage-engine/internal/models"
	"vpn-usage-engine/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const birthdayLayout = "2006-01-02"

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*models.User, error) {
	var user models.User
	var birthday, referralCode sql.NullString
	var createdAt int64
	if err := row.Scan(&user.Id, &user.Name, &birthday, &referralCode, &createdAt); err != nil {
		return nil, err
	}
	if birthday.Valid && birthday.String != "" {
		b, err := time.Parse(birthdayLayout, birthday.String)
		if err != nil {
			return nil, fmt.Errorf("invalid birthday %q for user %s: %w", birthday.String, user.Id, err)
		}
		user.Birthday = &b
	}
	user.ReferralCode = referralCode.String
	user.CreatedAt = fromNanos(createdAt)
	return &user, nil
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var account models.Account
	var createdAt int64
	if err := row.Scan(&account.Id, &account.UserId, &account.Name, &account.IsVip, &account.Active, &createdAt); err != nil {
		return nil, err
	}
	account.CreatedAt = fromNanos(createdAt)
	return &account, nil
}

func (s *Service) GetUsers(ctx context.Context) ([]models.User, error) {
	rows, err := s.db.QueryContext(ctx, queryGetUsers)
	if err != nil {
		return nil, fmt.Errorf("failed to query users: %w", err)
	}
	defer closeRows(rows)

	var users []models.User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, *user)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating users: %w", err)
	}

	return users, nil
}

func (s *Service) GetUserById(ctx context.Context, userId string) (*models.User, error) {
	user, err := scanUser(s.db.QueryRowContext(ctx, queryGetUserById, userId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrUserNotFound, userId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return user, nil
}

func (s *Service) CreateUser(ctx context.Context, params store.CreateUserParams) (*models.User, error) {
	if params.Id == "" {
		params.Id = uuid.New().String()
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = s.now()
	}
	if params.ReferralCode == "" {
		params.ReferralCode = "REF-" + params.Id[:8]
	}

	var birthday sql.NullString
	if params.Birthday != nil {
		birthday = sql.NullString{String: params.Birthday.Format(birthdayLayout), Valid: true}
	}

	_, err := s.db.ExecContext(ctx, queryInsertUser, params.Id, params.Name, birthday, params.ReferralCode, toNanos(params.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert user: %w", err)
	}

	zap.L().Info("User created", zap.String("user_id", params.Id), zap.String("name", params.Name))

	return &models.User{
		Id:           params.Id,
		Name:         params.Name,
		Birthday:     params.Birthday,
		ReferralCode: params.ReferralCode,
		CreatedAt:    params.CreatedAt.UTC(),
	}, nil
}

func (s *Service) GetAccounts(ctx context.Context, activeOnly bool) ([]models.Account, error) {
	query := queryGetAccounts
	if activeOnly {
		query = queryGetActiveAccounts
	}
	return s.queryAccounts(ctx, query)
}

func (s *Service) GetAccountsByUser(ctx context.Context, userId string) ([]models.Account, error) {
	return s.queryAccounts(ctx, queryGetAccountsByUser, userId)
}

func (s *Service) queryAccounts(ctx context.Context, query string, args ...any) ([]models.Account, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query accounts: %w", err)
	}
	defer closeRows(rows)

	var accounts []models.Account
	for rows.Next() {
		account, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, *account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

func (s *Service) GetAccountById(ctx context.Context, accountId string) (*models.Account, error) {
	account, err := scanAccount(s.db.QueryRowContext(ctx, queryGetAccountById, accountId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", store.ErrAccountNotFound, accountId)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return account, nil
}

func (s *Service) CreateAccount(ctx context.Context, params store.CreateAccountParams) (*models.Account, error) {
	if params.Id == "" {
		params.Id = uuid.New().String()
	}
	if params.CreatedAt.IsZero() {
		params.CreatedAt = s.now()
	}

	_, err := s.db.ExecContext(ctx, queryInsertAccount, params.Id, params.UserId, params.Name, boolToInt(params.IsVip), toNanos(params.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert account: %w", err)
	}

	zap.L().Info("Account created",
		zap.String("account_id", params.Id),
		zap.String("user_id", params.UserId),
		zap.String("name", params.Name))

	return &models.Account{
		Id:        params.Id,
		UserId:    params.UserId,
		Name:      params.Name,
		IsVip:     params.IsVip,
		Active:    true,
		CreatedAt: params.CreatedAt.UTC(),
	}, nil
}

// --- Panels ---

func (s *Service) UpsertPanel(ctx context.Context, panel models.Panel) error {
	_, err := s.db.ExecContext(ctx, queryUpsertPanel,
		panel.Name, string(panel.Type), panel.BaseURL, panel.Username, panel.Password,
		panel.APIKey, panel.ProxyPath, boolToInt(panel.Active))
	if err != nil {
		return fmt.Errorf("failed to upsert panel %s: %w", panel.Name, err)
	}
	return nil
}

func (s *Service) GetActivePanels(ctx context.Context) ([]models.Panel, error) {
	rows, err := s.db.QueryContext(ctx, queryGetActivePanels)
	if err != nil {
		return nil, fmt.Errorf("failed to query panels: %w", err)
	}
	defer closeRows(rows)

	var panels []models.Panel
	for rows.Next() {
		var p models.Panel
		var panelType string
		if err := rows.Scan(&p.Name, &panelType, &p.BaseURL, &p.Username, &p.Password, &p.APIKey, &p.ProxyPath, &p.Active); err != nil {
			return nil, fmt.Errorf("failed to scan panel: %w", err)
		}
		p.Type = models.PanelType(panelType)
		panels = append(panels, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating panels: %w", err)
	}

	return panels, nil
}

// --- Bindings ---

func (s *Service) BindAccount(ctx context.Context, params store.BindAccountParams) error {
	var panelType string
	err := s.db.QueryRowContext(ctx, queryGetPanelType, params.PanelName).Scan(&panelType)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", store.ErrPanelNotFound, params.PanelName)
	}
	if err != nil {
		return fmt.Errorf("failed to look up panel: %w", err)
	}

	_, err = s.db.ExecContext(ctx, queryInsertBinding, params.AccountId, params.PanelName, panelType, params.NativeId, toNanos(s.now()))
	if err != nil {
		return fmt.Errorf("failed to bind account %s to %s: %w", params.AccountId, params.PanelName, err)
	}
	return nil
}

// GetBindings returns active bindings of active accounts. An empty panelName
// returns the bindings of every panel.
func (s *Service) GetBindings(ctx context.Context, panelName string) ([]models.PanelBinding, error) {
	if panelName == "" {
		return s.queryBindings(ctx, queryGetAllBindings)
	}
	return s.queryBindings(ctx, queryGetPanelBindings, panelName)
}

func (s *Service) GetAccountBindings(ctx context.Context, accountId string) ([]models.PanelBinding, error) {
	return s.queryBindings(ctx, queryGetAccountBindings, accountId)
}

func (s *Service) queryBindings(ctx context.Context, query string, args ...any) ([]models.PanelBinding, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query bindings: %w", err)
	}
	defer closeRows(rows)

	var bindings []models.PanelBinding
	for rows.Next() {
		var b models.PanelBinding
		var panelType string
		var expireAt, lastSeenAt sql.NullInt64
		var updatedAt int64
		if err := rows.Scan(&b.AccountId, &b.PanelName, &panelType, &b.NativeId, &b.LastQuotaBytes, &b.LastUsageBytes,
			&expireAt, &lastSeenAt, &b.PanelActive, &b.Active, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan binding: %w", err)
		}
		b.PanelType = models.PanelType(panelType)
		b.ExpireAt = timePtr(expireAt)
		b.LastSeenAt = timePtr(lastSeenAt)
		b.UpdatedAt = fromNanos(updatedAt)
		bindings = append(bindings, b)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bindings: %w", err)
	}

	return bindings, nil
}

// DeactivateBindings retires bindings whose native ids vanished from a panel.
func (s *Service) DeactivateBindings(ctx context.Context, panelName string, nativeIds []string) (int64, error) {
	if len(nativeIds) == 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := toNanos(s.now())
	var total int64
	for _, nativeId := range nativeIds {
		result, err := tx.ExecContext(ctx, queryDeactivateBinding, now, panelName, nativeId)
		if err != nil {
			return 0, fmt.Errorf("failed to deactivate binding %s/%s: %w", panelName, nativeId, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to check rows affected: %w", err)
		}
		total += affected
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return total, nil
}
