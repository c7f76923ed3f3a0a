package resolver

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"

	"research-orchestrator/internal/models"
)

const maxAccountSelection = 10000

var (
	accountsTable = goqu.T("accounts")

	account_id            = goqu.I("accounts.id")
	account_name          = goqu.I("accounts.name")
	account_domain        = goqu.I("accounts.domain")
	account_industry      = goqu.I("accounts.industry")
	account_employeeCount = goqu.I("accounts.employee_count")
	account_category      = goqu.I("accounts.category")
)

// AccountFilter selects accounts for account-level jobs
type AccountFilter struct {
	AccountIDs        []string `json:"account_ids,omitempty" validate:"omitempty,dive,required"`
	Industries        []string `json:"industries,omitempty" validate:"omitempty,dive,required"`
	MinEmployees      *int     `json:"min_employees,omitempty" validate:"omitempty,gte=0"`
	MaxEmployees      *int     `json:"max_employees,omitempty" validate:"omitempty,gte=0"`
	NameLike          string   `json:"name_like,omitempty"`
	UncategorizedOnly bool     `json:"uncategorized_only,omitempty"`
	Limit             int      `json:"limit,omitempty" validate:"gte=0,lte=10000"`
}

type accountRow struct {
	ID            string         `db:"id"`
	Name          string         `db:"name"`
	Domain        sql.NullString `db:"domain"`
	Industry      sql.NullString `db:"industry"`
	EmployeeCount sql.NullInt64  `db:"employee_count"`
	Category      sql.NullString `db:"category"`
}

type accountPayload struct {
	ID            string  `json:"id"`
	Name          string  `json:"name"`
	Domain        string  `json:"domain,omitempty"`
	Industry      string  `json:"industry,omitempty"`
	EmployeeCount *int64  `json:"employee_count,omitempty"`
	Category      *string `json:"category,omitempty"`
}

// AccountResolver selects rows of the accounts table owned by the CRM side of the app
type AccountResolver struct {
	db       *goqu.Database
	validate *validator.Validate
}

// NewAccountResolver creates a resolver over db
func NewAccountResolver(db *sql.DB) *AccountResolver {
	return &AccountResolver{
		db:       goqu.New("sqlite3", db),
		validate: validator.New(),
	}
}

// EnsureSchema creates the accounts table when the database is fresh
func (r *AccountResolver) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		domain TEXT,
		industry TEXT,
		employee_count INTEGER,
		category TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_accounts_industry ON accounts(industry);
	`)
	return errors.Wrap(err, "failed to create accounts table")
}

// Resolve implements Resolver
func (r *AccountResolver) Resolve(ctx context.Context, _ models.JobKind, raw json.RawMessage) ([]json.RawMessage, error) {
	var filter AccountFilter
	if len(raw) > 0 && string(raw) != "null" {
		if err := json.Unmarshal(raw, &filter); err != nil {
			return nil, errors.Wrapf(ErrInvalidFilter, "decode account filter: %v", err)
		}
	}
	if err := r.validate.Struct(filter); err != nil {
		return nil, errors.Wrapf(ErrInvalidFilter, "%v", err)
	}
	if filter.MinEmployees != nil && filter.MaxEmployees != nil && *filter.MinEmployees > *filter.MaxEmployees {
		return nil, errors.Wrap(ErrInvalidFilter, "min_employees is greater than max_employees")
	}

	var rows []accountRow
	err := r.selectDs(filter).Prepared(true).ScanStructsContext(ctx, &rows)
	if err != nil {
		return nil, errors.Wrap(err, "failed to select accounts")
	}

	payloads := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		p := accountPayload{
			ID:       row.ID,
			Name:     row.Name,
			Domain:   row.Domain.String,
			Industry: row.Industry.String,
		}
		if row.EmployeeCount.Valid {
			n := row.EmployeeCount.Int64
			p.EmployeeCount = &n
		}
		if row.Category.Valid {
			c := row.Category.String
			p.Category = &c
		}
		encoded, err := json.Marshal(p)
		if err != nil {
			return nil, errors.Wrap(err, "failed to encode account payload")
		}
		payloads = append(payloads, encoded)
	}
	return payloads, nil
}

func (r *AccountResolver) selectDs(filter AccountFilter) *goqu.SelectDataset {
	ds := r.db.From(accountsTable).
		Select(account_id, account_name, account_domain, account_industry, account_employeeCount, account_category)

	if len(filter.AccountIDs) > 0 {
		ds = ds.Where(account_id.In(filter.AccountIDs))
	}
	if len(filter.Industries) > 0 {
		ds = ds.Where(account_industry.In(filter.Industries))
	}
	if filter.MinEmployees != nil {
		ds = ds.Where(account_employeeCount.Gte(*filter.MinEmployees))
	}
	if filter.MaxEmployees != nil {
		ds = ds.Where(account_employeeCount.Lte(*filter.MaxEmployees))
	}
	if filter.NameLike != "" {
		ds = ds.Where(account_name.Like("%" + filter.NameLike + "%"))
	}
	if filter.UncategorizedOnly {
		ds = ds.Where(goqu.Or(account_category.IsNull(), account_category.Eq("")))
	}

	limit := uint(maxAccountSelection)
	if filter.Limit > 0 {
		limit = uint(filter.Limit)
	}
	return ds.Order(account_name.Asc(), account_id.Asc()).Limit(limit)
}
