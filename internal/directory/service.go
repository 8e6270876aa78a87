package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/PlanFactsLab/planfacts/backend/internal/trust"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	noOpLogger         = zap.NewNop()
)

// ServiceConfig describes the dependencies of the directory service.
type ServiceConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Service manages the provider and plan registries and answers the existence
// lookups the consensus path depends on.
type Service struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewService constructs the directory service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("directory: %w", errMissingDatabase)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, logger: logger}, nil
}

// RegisterProvider inserts or refreshes a provider entry. New entries default
// to the registry-import data source unless the caller tags another origin.
// A refresh touches only the demographic columns: created_at stays, and the
// origin tag moves only when the caller retags it explicitly, so an enriched
// record keeps its import protection across re-registration.
func (s *Service) RegisterProvider(ctx context.Context, provider Provider) (Provider, error) {
	provider.ProviderID = strings.TrimSpace(provider.ProviderID)
	if provider.ProviderID == "" {
		return Provider{}, fmt.Errorf("directory: %w: provider id is required", trust.ErrValidation)
	}
	if provider.DisplayName == "" {
		return Provider{}, fmt.Errorf("directory: %w: display name is required", trust.ErrValidation)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Provider
		err := tx.Where("provider_id = ?", provider.ProviderID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if provider.Specialty == "" {
				provider.Specialty = trust.SpecialtyOfficeBased
			}
			if provider.DataSource == "" {
				provider.DataSource = trust.SourceRegistryImport
			}
			return tx.Create(&provider).Error
		}
		if err != nil {
			return err
		}

		updates := map[string]any{
			"display_name":  provider.DisplayName,
			"phone":         provider.Phone,
			"fax":           provider.Fax,
			"address_line1": provider.AddressLine1,
			"city":          provider.City,
			"state":         provider.State,
			"postal_code":   provider.PostalCode,
		}
		if provider.Specialty != "" {
			updates["specialty"] = provider.Specialty
		}
		if provider.DataSource != "" {
			updates["data_source"] = provider.DataSource
		}
		if err := tx.Model(&Provider{}).
			Where("provider_id = ?", provider.ProviderID).
			Updates(updates).Error; err != nil {
			return err
		}
		return tx.Where("provider_id = ?", provider.ProviderID).Take(&provider).Error
	})
	if err != nil {
		s.logger.Error("provider registration failed",
			zap.String("provider_id", provider.ProviderID), zap.Error(err))
		return Provider{}, err
	}
	return provider, nil
}

// RegisterPlan inserts or refreshes a plan entry.
func (s *Service) RegisterPlan(ctx context.Context, plan Plan) (Plan, error) {
	plan.PlanID = strings.TrimSpace(plan.PlanID)
	if plan.PlanID == "" {
		return Plan{}, fmt.Errorf("directory: %w: plan id is required", trust.ErrValidation)
	}
	if plan.CarrierName == "" || plan.PlanName == "" {
		return Plan{}, fmt.Errorf("directory: %w: carrier and plan names are required", trust.ErrValidation)
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Plan
		err := tx.Where("plan_id = ?", plan.PlanID).Take(&existing).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return tx.Create(&plan).Error
		}
		if err != nil {
			return err
		}
		if err := tx.Model(&Plan{}).
			Where("plan_id = ?", plan.PlanID).
			Updates(map[string]any{
				"carrier_name": plan.CarrierName,
				"plan_name":    plan.PlanName,
				"plan_type":    plan.PlanType,
			}).Error; err != nil {
			return err
		}
		return tx.Where("plan_id = ?", plan.PlanID).Take(&plan).Error
	})
	if err != nil {
		s.logger.Error("plan registration failed", zap.String("plan_id", plan.PlanID), zap.Error(err))
		return Plan{}, err
	}
	return plan, nil
}

// GetProvider loads one provider entry.
func (s *Service) GetProvider(ctx context.Context, providerID string) (Provider, error) {
	var provider Provider
	err := s.db.WithContext(ctx).Where("provider_id = ?", providerID).Take(&provider).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Provider{}, fmt.Errorf("directory: %w: provider %s", trust.ErrNotFound, providerID)
	}
	if err != nil {
		return Provider{}, err
	}
	return provider, nil
}

// ProviderExists answers the consensus service's existence check.
func (s *Service) ProviderExists(ctx context.Context, providerID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Provider{}).
		Where("provider_id = ?", providerID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ProviderSpecialty returns the freshness category used for recency scoring.
func (s *Service) ProviderSpecialty(ctx context.Context, providerID string) (trust.SpecialtyCategory, error) {
	provider, err := s.GetProvider(ctx, providerID)
	if err != nil {
		return "", err
	}
	return provider.Specialty, nil
}

// PlanExists answers the consensus service's existence check.
func (s *Service) PlanExists(ctx context.Context, planID string) (bool, error) {
	var count int64
	if err := s.db.WithContext(ctx).Model(&Plan{}).
		Where("plan_id = ?", planID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}
