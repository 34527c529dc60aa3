// internal/services/testhelpers_test.go
package services

import (
	"context"
	"encoding/hex"
	"fmt"
	"testing"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/javajoker/pharma-custody-backend/internal/config"
	"github.com/javajoker/pharma-custody-backend/internal/database"
	"github.com/javajoker/pharma-custody-backend/internal/metrics"
	"github.com/javajoker/pharma-custody-backend/internal/models"
	"github.com/javajoker/pharma-custody-backend/pkg/blockchain"
	apperrors "github.com/javajoker/pharma-custody-backend/pkg/errors"
)

const firstTestTokenID = 101

type party struct {
	actor   *Actor
	key     string
	address string
}

type fixture struct {
	db       *gorm.DB
	client   *blockchain.SimulatedClient
	ledger   *BlockchainService
	registry *TokenRegistry
	entities *EntityService
	custody  *CustodyService
	metrics  *metrics.Metrics

	manufacturer party
	distributor  party
	pharmacy     party
	admin        *Actor
	drug         *models.Drug
}

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	require.NoError(t, database.RunMigrations(db))
	t.Cleanup(func() { database.Close(db) })
	return db
}

func newWallet(t *testing.T) (string, string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return hex.EncodeToString(crypto.FromECDSA(key)), crypto.PubkeyToAddress(key.PublicKey).Hex()
}

func randomTxHash() string {
	return crypto.Keccak256Hash([]byte(uuid.NewString())).Hex()
}

// newFixture wires the custody stack against sqlite and a simulated ledger
// and registers one party per business role plus a manufacturer drug.
func newFixture(t *testing.T, configure ...func(*CustodyDeps)) *fixture {
	t.Helper()
	ctx := context.Background()

	f := &fixture{
		db:      openTestDB(t),
		client:  blockchain.NewSimulatedClient(firstTestTokenID),
		metrics: metrics.New(prometheus.NewRegistry()),
	}
	require.NoError(t, f.client.Connect(ctx))
	t.Cleanup(func() { f.client.Close() })

	f.ledger = NewBlockchainService(f.client, config.LedgerConfig{Mode: "simulated"}, f.metrics)
	f.registry = NewTokenRegistry(f.db, f.metrics)
	f.entities = NewEntityService(f.db, f.ledger)

	deps := CustodyDeps{
		Registry: f.registry,
		Ledger:   f.ledger,
		Entities: f.entities,
		Metrics:  f.metrics,
	}
	for _, fn := range configure {
		fn(&deps)
	}
	f.custody = NewCustodyService(f.db, deps)

	f.manufacturer = f.newParty(t, models.RoleManufacturer, "manufacturer")
	f.distributor = f.newParty(t, models.RoleDistributor, "distributor")
	f.pharmacy = f.newParty(t, models.RolePharmacy, "pharmacy")
	f.admin = &Actor{UserID: uuid.New(), Role: models.RoleSystemAdmin}

	drug, err := NewDrugService(f.db).Create(ctx, f.manufacturer.actor, &CreateDrugRequest{
		TradeName:   "Paracetamol 500",
		GenericName: "Paracetamol",
		ATCCode:     "N02BE01",
		DosageForm:  "tablet",
	})
	require.NoError(t, err)
	f.drug = drug
	return f
}

func (f *fixture) newParty(t *testing.T, role models.Role, name string) party {
	t.Helper()
	key, address := newWallet(t)
	user := &models.User{
		Username:      name,
		Email:         name + "@example.com",
		Role:          role,
		Status:        models.UserStatusActive,
		WalletAddress: address,
	}
	require.NoError(t, user.SetPassword("Passw0rd!"))
	require.NoError(t, f.db.Create(user).Error)

	entity, err := f.entities.CreateForUser(f.db, user, &CreateEntityRequest{
		Name:          name + " ltd",
		TaxCode:       "TAX-" + name,
		Address:       "1 " + name + " street",
		WalletAddress: address,
	})
	require.NoError(t, err)
	f.entities.RegisterOnLedger(context.Background(), entity)

	return party{
		actor:   &Actor{UserID: user.ID, Role: role, Entity: entity},
		key:     key,
		address: address,
	}
}

// packageUnits mints quantity units of the fixture drug.
func (f *fixture) packageUnits(t *testing.T, quantity int) *PackageResult {
	t.Helper()
	result, err := f.custody.Package(context.Background(), f.manufacturer.actor, &PackageRequest{
		DrugID:      f.drug.ID,
		Quantity:    quantity,
		BatchNumber: "LOT-1",
		SigningKey:  f.manufacturer.key,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) sendToDistributor(t *testing.T, tokenIDs ...string) *TransferResult {
	t.Helper()
	result, err := f.custody.TransferToDistributor(context.Background(), f.manufacturer.actor, &DistributorTransferRequest{
		DistributorID: f.distributor.actor.EntityID(),
		TokenIDs:      tokenIDs,
		InvoiceTerms:  InvoiceTerms{UnitPrice: 10000, VATRate: 5},
		SigningKey:    f.manufacturer.key,
	})
	require.NoError(t, err)
	return result
}

func (f *fixture) sendToPharmacy(t *testing.T, tokenIDs ...string) *TransferResult {
	t.Helper()
	result, err := f.custody.TransferToPharmacy(context.Background(), f.distributor.actor, &PharmacyTransferRequest{
		PharmacyID:   f.pharmacy.actor.EntityID(),
		TokenIDs:     tokenIDs,
		InvoiceTerms: InvoiceTerms{UnitPrice: 12000, VATRate: 5},
		SigningKey:   f.distributor.key,
	})
	require.NoError(t, err)
	return result
}

// signOnLedger submits a two-phase ledger call the way a client wallet would.
func (f *fixture) signOnLedger(t *testing.T, key string, leg blockchain.Leg, call LedgerCall) string {
	t.Helper()
	receipt, err := f.client.Transfer(context.Background(), blockchain.TransferRequest{
		SigningKey: key,
		TokenIDs:   call.TokenIDs,
		Amounts:    call.Amounts,
		Recipient:  call.RecipientAddress,
		Leg:        leg,
	})
	require.NoError(t, err)
	return receipt.TxHash
}

func (f *fixture) token(t *testing.T, id string) models.Token {
	t.Helper()
	var token models.Token
	require.NoError(t, f.db.Where("token_id = ?", id).First(&token).Error)
	return token
}

func (f *fixture) assertTokens(t *testing.T, status models.TokenStatus, owner party, ids ...string) {
	t.Helper()
	for _, id := range ids {
		token := f.token(t, id)
		assert.Equal(t, status, token.Status, "token %s", id)
		assert.Equal(t, owner.actor.EntityID(), token.OwnerID, "token %s", id)
	}
}

func requireCode(t *testing.T, err error, code apperrors.Code) *apperrors.Error {
	t.Helper()
	require.Error(t, err)
	typed := apperrors.As(err)
	require.NotNil(t, typed, "expected a typed error, got %v", err)
	require.Equal(t, code, typed.Code(), "unexpected error: %v", err)
	return typed
}
