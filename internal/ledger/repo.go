package ledger

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/ariefcatur/go-prepaid-orders/internal/store"
)

const colRecords = "ledger_records"

var _ Store = (*Repo)(nil)

// Repo keeps ledger records in MongoDB, one document per record with the
// usage log embedded, so balance and log change in a single document write.
type Repo struct {
	DB *mongo.Database
}

func (r *Repo) coll() *mongo.Collection { return r.DB.Collection(colRecords) }

type recordModel struct {
	ID              string       `bson:"_id"`
	OperationID     string       `bson:"operation_id,omitempty"`
	OwnerCustomerID string       `bson:"owner_customer_id"`
	OwnerPhone      string       `bson:"owner_phone"`
	OwnerName       string       `bson:"owner_name"`
	Kind            string       `bson:"kind"`
	ProductKey      string       `bson:"product_key"`
	ProductName     string       `bson:"product_name"`
	OriginalAmount  int64        `bson:"original_amount"`
	Balance         int64        `bson:"balance"`
	Status          string       `bson:"status"`
	UsageLog        []usageModel `bson:"usage_log"`
	CreatedAt       time.Time    `bson:"created_at"`
	UpdatedAt       time.Time    `bson:"updated_at"`
}

type usageModel struct {
	OccurredAt       time.Time `bson:"occurred_at"`
	AmountDeducted   int64     `bson:"amount_deducted"`
	OrderID          string    `bson:"order_id"`
	AllocationID     string    `bson:"allocation_id"`
	Note             string    `bson:"note"`
	RecipientName    string    `bson:"recipient_name"`
	RecipientPhone   string    `bson:"recipient_phone"`
	RecipientAddress string    `bson:"recipient_address"`
}

func toUsageModel(e UsageEntry) usageModel {
	return usageModel{
		OccurredAt:       e.OccurredAt,
		AmountDeducted:   e.AmountDeducted,
		OrderID:          e.OrderID,
		AllocationID:     e.AllocationID,
		Note:             e.Note,
		RecipientName:    e.Name,
		RecipientPhone:   e.Phone,
		RecipientAddress: e.Address,
	}
}

func toRecordModel(rec *Record) *recordModel {
	m := &recordModel{
		ID:              rec.ID,
		OperationID:     rec.OperationID,
		OwnerCustomerID: rec.OwnerCustomerID,
		OwnerPhone:      rec.OwnerPhone,
		OwnerName:       rec.OwnerName,
		Kind:            string(rec.Kind),
		ProductKey:      rec.ProductKey,
		ProductName:     rec.ProductName,
		OriginalAmount:  rec.OriginalAmount,
		Balance:         rec.Balance,
		Status:          string(rec.Status()),
		UsageLog:        make([]usageModel, 0, len(rec.UsageLog)),
		CreatedAt:       rec.CreatedAt,
		UpdatedAt:       rec.UpdatedAt,
	}
	for _, e := range rec.UsageLog {
		m.UsageLog = append(m.UsageLog, toUsageModel(e))
	}
	return m
}

func fromRecordModel(m *recordModel) *Record {
	rec := &Record{
		ID:              m.ID,
		OperationID:     m.OperationID,
		OwnerCustomerID: m.OwnerCustomerID,
		OwnerPhone:      m.OwnerPhone,
		OwnerName:       m.OwnerName,
		Kind:            Kind(m.Kind),
		ProductKey:      m.ProductKey,
		ProductName:     m.ProductName,
		OriginalAmount:  m.OriginalAmount,
		Balance:         m.Balance,
		UsageLog:        make([]UsageEntry, 0, len(m.UsageLog)),
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
	for _, u := range m.UsageLog {
		rec.UsageLog = append(rec.UsageLog, UsageEntry{
			OccurredAt:     u.OccurredAt,
			AmountDeducted: u.AmountDeducted,
			OrderID:        u.OrderID,
			AllocationID:   u.AllocationID,
			Note:           u.Note,
			Recipient: Recipient{
				Name:    u.RecipientName,
				Phone:   u.RecipientPhone,
				Address: u.RecipientAddress,
			},
		})
	}
	return rec
}

// Migrate creates the collection's indexes. It is safe to call on every start.
func (r *Repo) Migrate(ctx context.Context) error {
	models := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "operation_id", Value: 1}},
			Options: options.Index().SetUnique(true).SetPartialFilterExpression(bson.M{"operation_id": bson.M{"$exists": true}}),
		},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "product_key", Value: 1}, {Key: "owner_customer_id", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "kind", Value: 1}, {Key: "product_key", Value: 1}, {Key: "owner_phone", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
	}
	if _, err := r.coll().Indexes().CreateMany(ctx, models); err != nil {
		return fmt.Errorf("ledger/mongo: migrate %s indexes: %w", colRecords, mapErr(err))
	}
	return nil
}

func (r *Repo) Create(ctx context.Context, rec *Record) error {
	if _, err := r.coll().InsertOne(ctx, toRecordModel(rec)); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrAlreadyExists
		}
		return fmt.Errorf("ledger/mongo: create record: %w", mapErr(err))
	}
	return nil
}

func (r *Repo) Get(ctx context.Context, id string) (*Record, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *Repo) GetByOperation(ctx context.Context, operationID string) (*Record, error) {
	return r.findOne(ctx, bson.M{"operation_id": operationID})
}

func (r *Repo) findOne(ctx context.Context, filter bson.M) (*Record, error) {
	var m recordModel
	if err := r.coll().FindOne(ctx, filter).Decode(&m); err != nil {
		if isNoDocuments(err) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("ledger/mongo: get record: %w", mapErr(err))
	}
	return fromRecordModel(&m), nil
}

func (r *Repo) FindActive(ctx context.Context, q Query) ([]*Record, error) {
	filter := bson.M{
		"kind":        string(q.Kind),
		"product_key": q.ProductKey,
		"balance":     bson.M{"$gt": 0},
	}
	switch {
	case q.CustomerID != "":
		filter["owner_customer_id"] = q.CustomerID
	case q.Phone != "":
		filter["owner_phone"] = q.Phone
	case q.PhoneSuffix != "":
		filter["owner_phone"] = bson.Regex{Pattern: regexp.QuoteMeta(q.PhoneSuffix) + "$"}
	}
	return r.find(ctx, filter)
}

func (r *Repo) ListByOwner(ctx context.Context, customerID, phone string) ([]*Record, error) {
	var or bson.A
	if customerID != "" {
		or = append(or, bson.M{"owner_customer_id": customerID})
	}
	if phone != "" {
		or = append(or, bson.M{"owner_phone": phone})
	}
	if len(or) == 0 {
		return nil, nil
	}
	return r.find(ctx, bson.M{"$or": or})
}

func (r *Repo) find(ctx context.Context, filter bson.M) ([]*Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	cur, err := r.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: find records: %w", mapErr(err))
	}
	var models []recordModel
	if err := cur.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("ledger/mongo: decode records: %w", mapErr(err))
	}

	out := make([]*Record, len(models))
	for i := range models {
		out[i] = fromRecordModel(&models[i])
	}
	return out, nil
}

// Apply matches on the expected balance, so a concurrent writer that got
// there first makes the filter miss and the call reports a conflict.
func (r *Repo) Apply(ctx context.Context, m Mutation) (*Record, error) {
	nb := m.newBalance()
	if nb < 0 {
		return nil, store.ErrConflict
	}
	filter := bson.M{
		"_id":             m.RecordID,
		"balance":         m.ExpectedBalance,
		"original_amount": bson.M{"$gte": nb},
	}
	update := bson.M{
		"$inc":  bson.M{"balance": m.Delta},
		"$push": bson.M{"usage_log": toUsageModel(m.Entry)},
		"$set":  bson.M{"status": string(statusFor(nb)), "updated_at": m.Entry.OccurredAt},
	}
	opts := options.FindOneAndUpdate().SetReturnDocument(options.After)

	var out recordModel
	err := r.coll().FindOneAndUpdate(ctx, filter, update, opts).Decode(&out)
	if err == nil {
		return fromRecordModel(&out), nil
	}
	if !isNoDocuments(err) {
		return nil, fmt.Errorf("ledger/mongo: apply mutation: %w", mapErr(err))
	}

	n, err := r.coll().CountDocuments(ctx, bson.M{"_id": m.RecordID})
	if err != nil {
		return nil, fmt.Errorf("ledger/mongo: apply mutation: %w", mapErr(err))
	}
	if n == 0 {
		return nil, store.ErrNotFound
	}
	return nil, store.ErrConflict
}

func (r *Repo) FillRecipient(ctx context.Context, recordID, orderID string, rc Recipient) error {
	set := bson.M{}
	var filters []any
	add := func(ident, field, value string) {
		if value == "" {
			return
		}
		set["usage_log.$["+ident+"]."+field] = value
		filters = append(filters, bson.M{ident + ".order_id": orderID, ident + "." + field: ""})
	}
	add("n", "recipient_name", rc.Name)
	add("p", "recipient_phone", rc.Phone)
	add("a", "recipient_address", rc.Address)
	if len(set) == 0 {
		return nil
	}

	res, err := r.coll().UpdateOne(ctx,
		bson.M{"_id": recordID},
		bson.M{"$set": set},
		options.UpdateOne().SetArrayFilters(filters),
	)
	if err != nil {
		return fmt.Errorf("ledger/mongo: fill recipient: %w", mapErr(err))
	}
	if res.MatchedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *Repo) Delete(ctx context.Context, id string) error {
	res, err := r.coll().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("ledger/mongo: delete record: %w", mapErr(err))
	}
	if res.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// mapErr tags driver errors that are worth retrying.
func mapErr(err error) error {
	if mongo.IsTimeout(err) || mongo.IsNetworkError(err) {
		return fmt.Errorf("%w: %v", store.ErrUnavailable, err)
	}
	return err
}
