package message

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"IMDelivery/module/chat/model"
	"IMDelivery/tools/errs"
)

type MongoStore struct {
	ConvColl     *mongo.Collection // conversation
	MsgColl      *mongo.Collection // message
	DeliveryColl *mongo.Collection // delivery
}

var _ Store = (*MongoStore)(nil)

func NewMongoStore(db *mongo.Database) *MongoStore {
	cov := model.Conversation{}
	msg := model.Message{}
	dr := model.DeliveryRecord{}
	return &MongoStore{
		ConvColl:     db.Collection(cov.GetTableName()),
		MsgColl:      db.Collection(msg.GetTableName()),
		DeliveryColl: db.Collection(dr.GetTableName()),
	}
}

func messageIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("uniq_conv_seq").SetUnique(true),
		},
		{
			// 客户端重试去重；temp_id 为空的消息不参与
			Keys: bson.D{{Key: "conversation_id", Value: 1}, {Key: "sender_id", Value: 1}, {Key: "temp_id", Value: 1}},
			Options: options.Index().SetName("uniq_conv_sender_temp").SetUnique(true).
				SetPartialFilterExpression(bson.M{"temp_id": bson.M{"$type": "string"}}),
		},
	}
}

func deliveryIndexes() []mongo.IndexModel {
	return []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "message_id", Value: 1}, {Key: "recipient_id", Value: 1}},
			Options: options.Index().SetName("uniq_msg_recipient").SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "recipient_id", Value: 1}, {Key: "conversation_id", Value: 1}, {Key: "seq", Value: 1}},
			Options: options.Index().SetName("idx_recipient_conv_seq"),
		},
	}
}

// EnsureIndexes 启动时创建索引（幂等）
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	if _, err := s.MsgColl.Indexes().CreateMany(ctx, messageIndexes()); err != nil {
		return errs.WrapMsg(err, "create message indexes")
	}
	if _, err := s.DeliveryColl.Indexes().CreateMany(ctx, deliveryIndexes()); err != nil {
		return errs.WrapMsg(err, "create delivery indexes")
	}
	_, err := s.ConvColl.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "participants.user_id", Value: 1}},
		Options: options.Index().SetName("idx_participant"),
	})
	if err != nil {
		return errs.WrapMsg(err, "create conversation indexes")
	}
	return nil
}

func (s *MongoStore) GetConversation(ctx context.Context, conversationID string) (*model.Conversation, error) {
	var c model.Conversation
	err := s.ConvColl.FindOne(ctx, bson.M{"_id": conversationID}).Decode(&c)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "conversationId", conversationID)
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversation", "conversationId", conversationID)
	}
	return &c, nil
}

func (s *MongoStore) SaveConversation(ctx context.Context, c *model.Conversation) error {
	if err := c.Validate(); err != nil {
		return errs.ErrMalformedPayload.WrapMsg(err.Error())
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	_, err := s.ConvColl.ReplaceOne(ctx, bson.M{"_id": c.ID}, c, options.Replace().SetUpsert(true))
	return errs.Wrap(err)
}

func (s *MongoStore) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	n, err := s.ConvColl.CountDocuments(ctx,
		bson.M{"_id": conversationID, "participants.user_id": userID},
		options.Count().SetLimit(1))
	if err != nil {
		return false, errs.WrapMsg(err, "count participant", "conversationId", conversationID)
	}
	return n > 0, nil
}

func (s *MongoStore) ListParticipants(ctx context.Context, conversationID string) ([]string, error) {
	c, err := s.GetConversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	return c.ParticipantIDs(), nil
}

func (s *MongoStore) ConversationsOf(ctx context.Context, userID string) ([]string, error) {
	cur, err := s.ConvColl.Find(ctx, bson.M{"participants.user_id": userID},
		options.Find().SetProjection(bson.M{"_id": 1}))
	if err != nil {
		return nil, errs.WrapMsg(err, "find conversations", "userId", userID)
	}
	defer cur.Close(ctx)
	var out []string
	for cur.Next(ctx) {
		var row struct {
			ID string `bson:"_id"`
		}
		if err := cur.Decode(&row); err != nil {
			return nil, errs.Wrap(err)
		}
		out = append(out, row.ID)
	}
	return out, errs.Wrap(cur.Err())
}

// CreateMessage 先写消息再写投递记录；投递记录按 (message, recipient) 唯一，重复写入忽略
func (s *MongoStore) CreateMessage(ctx context.Context, m *model.Message, recipients []string) error {
	if _, err := s.MsgColl.InsertOne(ctx, m); err != nil {
		return errs.WrapMsg(classifyInsertErr(err), "insert message", "conversationId", m.ConversationID, "seq", m.Seq)
	}
	_, err := s.EnsureDeliveries(ctx, m, recipients)
	return err
}

// EnsureDeliveries 无序批量写入，已存在的 (message, recipient) 记录按重复键忽略
func (s *MongoStore) EnsureDeliveries(ctx context.Context, m *model.Message, recipients []string) (int, error) {
	records := newDeliveryRecords(m, recipients)
	if len(records) == 0 {
		return 0, nil
	}
	docs := make([]interface{}, 0, len(records))
	for _, r := range records {
		docs = append(docs, r)
	}
	_, err := s.DeliveryColl.InsertMany(ctx, docs, options.InsertMany().SetOrdered(false))
	if err == nil {
		return len(records), nil
	}
	var bwe mongo.BulkWriteException
	if onlyDuplicateKeys(err) && errors.As(err, &bwe) {
		return len(records) - len(bwe.WriteErrors), nil
	}
	return 0, errs.WrapMsg(err, "insert delivery records", "messageId", m.ID)
}

// classifyInsertErr 按冲突的唯一索引映射为哨兵错误
func classifyInsertErr(err error) error {
	if !mongo.IsDuplicateKeyError(err) {
		return err
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "uniq_conv_seq"):
		return ErrDuplicateSeq
	case strings.Contains(msg, "uniq_conv_sender_temp"):
		return ErrDuplicateTempID
	}
	return err
}

func onlyDuplicateKeys(err error) bool {
	var bwe mongo.BulkWriteException
	if !errors.As(err, &bwe) || bwe.WriteConcernError != nil {
		return false
	}
	for _, we := range bwe.WriteErrors {
		if we.Code != 11000 {
			return false
		}
	}
	return true
}

func (s *MongoStore) FindByTempID(ctx context.Context, conversationID, senderID, tempID string) (*model.Message, error) {
	if tempID == "" {
		return nil, nil
	}
	var m model.Message
	err := s.MsgColl.FindOne(ctx, bson.M{
		"conversation_id": conversationID,
		"sender_id":       senderID,
		"temp_id":         tempID,
	}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errs.WrapMsg(err, "find by temp id", "conversationId", conversationID)
	}
	return &m, nil
}

func (s *MongoStore) GetMessage(ctx context.Context, messageID string) (*model.Message, error) {
	var m model.Message
	err := s.MsgColl.FindOne(ctx, bson.M{"_id": messageID}).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &m, nil
}

func (s *MongoStore) MaxSeq(ctx context.Context, conversationID string) (int64, error) {
	var m model.Message
	err := s.MsgColl.FindOne(ctx, bson.M{"conversation_id": conversationID},
		options.FindOne().SetSort(bson.D{{Key: "seq", Value: -1}}).SetProjection(bson.M{"seq": 1})).Decode(&m)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, errs.Wrap(err)
	}
	return m.Seq, nil
}

// advanceUpdate 以聚合管道更新：READ 同时补齐缺失的 delivered_at
func advanceUpdate(next model.DeliveryStatus, at time.Time) mongo.Pipeline {
	set := bson.D{{Key: "status", Value: next}}
	if next >= model.StatusDelivered {
		set = append(set, bson.E{Key: "delivered_at", Value: bson.M{"$ifNull": bson.A{"$delivered_at", at}}})
	}
	if next == model.StatusRead {
		set = append(set, bson.E{Key: "read_at", Value: at})
	}
	return mongo.Pipeline{{{Key: "$set", Value: set}}}
}

func (s *MongoStore) AdvanceDelivery(ctx context.Context, messageID, recipientID string, next model.DeliveryStatus, at time.Time) (bool, error) {
	if next < model.StatusDelivered || next > model.StatusRead {
		return false, errs.ErrMalformedPayload.WrapMsg("invalid delivery status", "status", next.String())
	}
	// 条件包含当前状态 < next，数据库层保证只进不退
	res, err := s.DeliveryColl.UpdateOne(ctx, bson.M{
		"message_id":   messageID,
		"recipient_id": recipientID,
		"status":       bson.M{"$lt": next},
	}, advanceUpdate(next, at))
	if err != nil {
		return false, errs.WrapMsg(err, "advance delivery", "messageId", messageID)
	}
	return res.ModifiedCount > 0, nil
}

func (s *MongoStore) GetDelivery(ctx context.Context, messageID, recipientID string) (*model.DeliveryRecord, error) {
	var d model.DeliveryRecord
	err := s.DeliveryColl.FindOne(ctx, bson.M{"message_id": messageID, "recipient_id": recipientID}).Decode(&d)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, errs.ErrNotFound.WrapMsg("delivery record not found", "messageId", messageID)
	}
	if err != nil {
		return nil, errs.Wrap(err)
	}
	return &d, nil
}
