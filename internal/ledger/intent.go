package ledger

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Checkout metadata keys. The payment provider echoes these back on every event
// for the session, so they are the only correlation between checkout and completion.
const (
	MetaUserID    = "user_id"
	MetaType      = "type"
	MetaCredits   = "credits"
	MetaPackageID = "package_id"
	MetaServiceID = "service_id"
)

// IntentKind is the value of the "type" metadata key.
type IntentKind string

const (
	KindCreditPackage IntentKind = "credit_package"
	KindDirectService IntentKind = "direct_service"
	// KindService is the older spelling of KindDirectService still carried by
	// sessions created before the rename.
	KindService IntentKind = "service"
)

var (
	// ErrInvalidMetadata is returned when checkout metadata cannot be decoded into an intent.
	ErrInvalidMetadata = errors.New("invalid checkout metadata")

	// ErrMissingUserID is returned when checkout metadata carries no user_id.
	ErrMissingUserID = fmt.Errorf("%w: missing user_id", ErrInvalidMetadata)
)

// PurchaseIntent is what a checkout session was opened to buy. It is either a
// PackagePurchase or a ServicePurchase.
type PurchaseIntent interface {
	// Owner returns the id of the user who opened the session.
	Owner() string
	// Kind returns the normalized intent kind.
	Kind() IntentKind
	// Metadata encodes the intent as checkout session metadata.
	Metadata() map[string]string

	sealed()
}

// PackagePurchase buys a fixed number of credits.
type PackagePurchase struct {
	UserID    string
	PackageID string
	Credits   int64
}

func (p PackagePurchase) Owner() string    { return p.UserID }
func (p PackagePurchase) Kind() IntentKind { return KindCreditPackage }
func (PackagePurchase) sealed()            {}

func (p PackagePurchase) Metadata() map[string]string {
	md := map[string]string{
		MetaUserID:  p.UserID,
		MetaType:    string(KindCreditPackage),
		MetaCredits: strconv.FormatInt(p.Credits, 10),
	}
	if p.PackageID != "" {
		md[MetaPackageID] = p.PackageID
	}
	return md
}

// ServicePurchase pays for one service execution directly, outside the credit system.
type ServicePurchase struct {
	UserID    string
	ServiceID string
}

func (s ServicePurchase) Owner() string    { return s.UserID }
func (s ServicePurchase) Kind() IntentKind { return KindDirectService }
func (ServicePurchase) sealed()            {}

func (s ServicePurchase) Metadata() map[string]string {
	return map[string]string{
		MetaUserID:    s.UserID,
		MetaType:      string(KindDirectService),
		MetaServiceID: s.ServiceID,
	}
}

// OwnerFromMetadata returns the user_id carried by checkout metadata.
func OwnerFromMetadata(md map[string]string) (string, error) {
	userID := strings.TrimSpace(md[MetaUserID])
	if userID == "" {
		return "", ErrMissingUserID
	}
	return userID, nil
}

// ParseIntent decodes checkout metadata into a PurchaseIntent.
// All failures wrap ErrInvalidMetadata.
func ParseIntent(md map[string]string) (PurchaseIntent, error) {
	userID, err := OwnerFromMetadata(md)
	if err != nil {
		return nil, err
	}

	switch IntentKind(strings.TrimSpace(md[MetaType])) {
	case KindCreditPackage:
		raw := strings.TrimSpace(md[MetaCredits])
		credits, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: credits %q is not an integer", ErrInvalidMetadata, raw)
		}
		if credits <= 0 {
			return nil, fmt.Errorf("%w: credits must be positive, got %d", ErrInvalidMetadata, credits)
		}
		return PackagePurchase{
			UserID:    userID,
			PackageID: strings.TrimSpace(md[MetaPackageID]),
			Credits:   credits,
		}, nil

	case KindDirectService, KindService:
		serviceID := strings.TrimSpace(md[MetaServiceID])
		if serviceID == "" {
			return nil, fmt.Errorf("%w: missing service_id", ErrInvalidMetadata)
		}
		return ServicePurchase{UserID: userID, ServiceID: serviceID}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrInvalidMetadata)

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidMetadata, md[MetaType])
	}
}
