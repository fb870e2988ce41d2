package db

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"pasteir/pkg/domain"
)

type pasteDoc struct {
	ID         string     `bson:"_id"`
	Created    time.Time  `bson:"created"`
	Expires    *time.Time `bson:"expires,omitempty"`
	OneTime    bool       `bson:"one_time"`
	ViewCount  int        `bson:"view_count"`
	Ciphertext string     `bson:"ciphertext"`
	Salt       string     `bson:"salt,omitempty"`
	IV         string     `bson:"iv,omitempty"`
	LangID     *int64     `bson:"lang_id,omitempty"`
}

type languageDoc struct {
	ID          int64  `bson:"_id"`
	DisplayName string `bson:"displayname"`
	Alias       string `bson:"alias"`
}

func (l languageDoc) toDomain() *domain.Language {
	return &domain.Language{ID: l.ID, DisplayName: l.DisplayName, Alias: l.Alias}
}

// Mongo stores pastes as documents keyed by paste id. Mongo keeps
// millisecond time precision.
type Mongo struct {
	client       *mongo.Client
	pastes       *mongo.Collection
	languages    *mongo.Collection
	queryTimeout time.Duration
}

func NewMongo(uri, dbName string, queryTimeout time.Duration) (*Mongo, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, errors.Wrap(err, "connect mongo")
	}
	if err := client.Ping(ctx, nil); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "ping mongo")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	database := client.Database(dbName)
	m := &Mongo{
		client:       client,
		pastes:       database.Collection("pastes"),
		languages:    database.Collection("languages"),
		queryTimeout: queryTimeout,
	}
	if err := m.migrate(); err != nil {
		client.Disconnect(context.Background())
		return nil, errors.Wrap(err, "migration failed")
	}
	return m, nil
}
func (m *Mongo) migrate() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, err := m.pastes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "created", Value: 1}, {Key: "expires", Value: 1}}},
		{Keys: bson.D{{Key: "expires", Value: 1}}},
		{Keys: bson.D{{Key: "one_time", Value: 1}, {Key: "view_count", Value: 1}}},
	})
	if err != nil {
		return errors.Wrap(err, "paste indexes")
	}
	_, err = m.languages.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "alias", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return errors.Wrap(err, "language index")
	}
	for i, l := range domain.DefaultLanguages {
		_, err := m.languages.UpdateOne(ctx,
			bson.M{"alias": l.Alias},
			bson.M{"$setOnInsert": bson.M{"_id": int64(i + 1), "displayname": l.DisplayName}},
			options.Update().SetUpsert(true),
		)
		if err != nil && !mongo.IsDuplicateKeyError(err) {
			return errors.Wrap(err, "seed languages")
		}
	}
	return nil
}
func (m *Mongo) Insert(ctx context.Context, p *domain.Paste) error {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	doc := pasteDoc{
		ID:         p.ID,
		Created:    p.Created,
		Expires:    p.Expires,
		OneTime:    p.OneTime,
		ViewCount:  p.ViewCount,
		Ciphertext: p.Ciphertext,
		Salt:       p.Salt,
		IV:         p.IV,
		LangID:     p.LangID(),
	}
	if _, err := m.pastes.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return domain.ErrDuplicateID
		}
		return domain.Transient("mongo insert", err)
	}
	return nil
}
func (m *Mongo) Get(ctx context.Context, id string) (*domain.Paste, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	var doc pasteDoc
	err := m.pastes.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return nil, domain.ErrPasteNotFound
	}
	if err != nil {
		return nil, domain.Transient("mongo get", err)
	}
	p := &domain.Paste{
		ID:         doc.ID,
		Created:    doc.Created.UTC(),
		OneTime:    doc.OneTime,
		ViewCount:  doc.ViewCount,
		Ciphertext: doc.Ciphertext,
		Salt:       doc.Salt,
		IV:         doc.IV,
	}
	if doc.Expires != nil {
		t := doc.Expires.UTC()
		p.Expires = &t
	}
	if doc.LangID != nil {
		var l languageDoc
		err := m.languages.FindOne(ctx, bson.M{"_id": *doc.LangID}).Decode(&l)
		if err != nil && err != mongo.ErrNoDocuments {
			return nil, domain.Transient("mongo get language", err)
		}
		if err == nil {
			p.Lang = l.toDomain()
		}
	}
	return p, nil
}
func (m *Mongo) Exists(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	n, err := m.pastes.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, domain.Transient("mongo exists", err)
	}
	return n > 0, nil
}
func (m *Mongo) IncrementViewCount(ctx context.Context, id string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	var doc struct {
		ViewCount int `bson:"view_count"`
	}
	err := m.pastes.FindOneAndUpdate(ctx,
		bson.M{"_id": id},
		bson.M{"$inc": bson.M{"view_count": 1}},
		options.FindOneAndUpdate().
			SetReturnDocument(options.After).
			SetProjection(bson.M{"view_count": 1}),
	).Decode(&doc)
	if err == mongo.ErrNoDocuments {
		return 0, domain.ErrPasteNotFound
	}
	if err != nil {
		return 0, domain.Transient("mongo incr views", err)
	}
	return doc.ViewCount, nil
}
func (m *Mongo) Delete(ctx context.Context, id string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	res, err := m.pastes.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return false, domain.Transient("mongo delete", err)
	}
	return res.DeletedCount > 0, nil
}
func (m *Mongo) FindExpiredOrExhausted(ctx context.Context, now time.Time, after string, limit int) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	filter := bson.M{
		"_id": bson.M{"$gt": after},
		"$or": bson.A{
			bson.M{"expires": bson.M{"$lte": now}},
			bson.M{"one_time": true, "view_count": bson.M{"$gt": 1}},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetLimit(int64(limit)).
		SetProjection(bson.M{"_id": 1})
	cur, err := m.pastes.Find(ctx, filter, opts)
	if err != nil {
		return nil, domain.Transient("mongo find reapable", err)
	}
	var docs []struct {
		ID string `bson:"_id"`
	}
	if err := cur.All(ctx, &docs); err != nil {
		return nil, domain.Transient("mongo find reapable", err)
	}
	ids := make([]string, 0, len(docs))
	for _, d := range docs {
		ids = append(ids, d.ID)
	}
	return ids, nil
}
func (m *Mongo) ListByIDs(ctx context.Context, ids []string) ([]domain.HistoryEntry, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	opts := options.Find().
		SetSort(bson.D{{Key: "created", Value: -1}, {Key: "_id", Value: 1}}).
		SetProjection(bson.M{"_id": 1, "created": 1})
	cur, err := m.pastes.Find(ctx, bson.M{"_id": bson.M{"$in": ids}}, opts)
	if err != nil {
		return nil, domain.Transient("mongo list history", err)
	}
	var docs []pasteDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, domain.Transient("mongo list history", err)
	}
	out := make([]domain.HistoryEntry, 0, len(docs))
	for _, d := range docs {
		out = append(out, domain.HistoryEntry{ID: d.ID, Created: d.Created.UTC()})
	}
	return out, nil
}
func (m *Mongo) Languages(ctx context.Context) ([]domain.Language, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	cur, err := m.languages.Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "displayname", Value: 1}}))
	if err != nil {
		return nil, domain.Transient("mongo list languages", err)
	}
	var docs []languageDoc
	if err := cur.All(ctx, &docs); err != nil {
		return nil, domain.Transient("mongo list languages", err)
	}
	out := make([]domain.Language, 0, len(docs))
	for _, d := range docs {
		out = append(out, *d.toDomain())
	}
	return out, nil
}
func (m *Mongo) LanguageByAlias(ctx context.Context, alias string) (*domain.Language, error) {
	ctx, cancel := context.WithTimeout(ctx, m.queryTimeout)
	defer cancel()
	var l languageDoc
	err := m.languages.FindOne(ctx, bson.M{"alias": alias}).Decode(&l)
	if err == mongo.ErrNoDocuments {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Transient("mongo language lookup", err)
	}
	return l.toDomain(), nil
}
func (m *Mongo) Ping(ctx context.Context) error {
	if err := m.client.Ping(ctx, nil); err != nil {
		return domain.Transient("mongo ping", err)
	}
	return nil
}
func (m *Mongo) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.client.Disconnect(ctx)
}
