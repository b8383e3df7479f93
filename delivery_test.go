package sms_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/interactive-solutions/go-sms"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

func TestDeliveryLog(t *testing.T) {
	suite.Run(t, new(deliveryLogTestSuite))
}

type deliveryLogTestSuite struct {
	suite.Suite

	clock *clock
	log   *sms.DeliveryLog
}

func (suite *deliveryLogTestSuite) SetupTest() {
	suite.clock = newClock()
	suite.log = sms.NewDeliveryLog(
		newDeliveryRepository(suite.T()),
		sms.SetClock(suite.clock.Now),
		sms.SetDeliveryLogger(quietLogger()),
	)
}

func (suite *deliveryLogTestSuite) record(to, template string, success bool) sms.DeliveryRecord {
	outcome := sms.Outcome{To: to, Success: success, Status: "queued"}
	if success {
		segments, cost := 1, 0.0079
		outcome.Segments = &segments
		outcome.Cost = &cost
	} else {
		outcome.Status = ""
		outcome.Error = "Invalid number"
	}

	record, err := suite.log.Record(context.Background(), sms.Attempt{
		Outcome:  outcome,
		Body:     "Hello " + to,
		Template: template,
	})
	require.NoError(suite.T(), err)

	return record
}

func (suite *deliveryLogTestSuite) TestRecordAssignsIdAndTimestamp() {
	record := suite.record("+1", "welcome", true)

	assert.NotZero(suite.T(), record.Id)
	assert.Equal(suite.T(), suite.clock.Now(), record.SentAt)
	assert.Equal(suite.T(), time.UTC, record.SentAt.Location())

	found, err := suite.log.Get(context.Background(), record.Id)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), record.Message, found.Message)
	assert.Equal(suite.T(), "welcome", found.TemplateName)
}

func (suite *deliveryLogTestSuite) TestTimestampsNeverDecrease() {
	first := suite.record("+1", "", true)

	suite.clock.Advance(-time.Hour)
	second := suite.record("+2", "", true)

	assert.False(suite.T(), second.SentAt.Before(first.SentAt))

	records, err := suite.log.Query(context.Background(), sms.DeliveryCriteria{})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), records, 2)
	assert.Equal(suite.T(), "+2", records[0].Recipient)
}

func (suite *deliveryLogTestSuite) TestFailedRecordAlwaysHasError() {
	record, err := suite.log.Record(context.Background(), sms.Attempt{
		Outcome: sms.Outcome{To: "+1", Status: "undelivered"},
		Body:    "Hello",
	})
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), "undelivered", record.Error)

	record, err = suite.log.Record(context.Background(), sms.Attempt{
		Outcome: sms.Outcome{To: "+1"},
		Body:    "Hello",
	})
	require.NoError(suite.T(), err)
	assert.NotEmpty(suite.T(), record.Error)
}

func (suite *deliveryLogTestSuite) TestGetMissing() {
	_, err := suite.log.Get(context.Background(), 999)

	assert.True(suite.T(), errors.Is(err, sms.RecordNotFoundErr))
	assert.False(suite.T(), errors.Is(err, sms.StorageErr))
}

func (suite *deliveryLogTestSuite) TestStatsEmpty() {
	stats, err := suite.log.Stats(context.Background(), 30)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 30, stats.PeriodDays)
	assert.Zero(suite.T(), stats.Total)
	assert.Zero(suite.T(), stats.SuccessRate)
	assert.NotNil(suite.T(), stats.TopTemplates)
	assert.NotNil(suite.T(), stats.Daily)
}

func (suite *deliveryLogTestSuite) TestStats() {
	suite.record("+1", "welcome", true)
	suite.record("+2", "welcome", false)
	suite.clock.Advance(24 * time.Hour)
	suite.record("+3", "promo", true)

	stats, err := suite.log.Stats(context.Background(), 7)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 3, stats.Total)
	assert.Equal(suite.T(), 2, stats.Successful)
	assert.Equal(suite.T(), 1, stats.Failed)
	assert.InDelta(suite.T(), 66.666, stats.SuccessRate, 0.01)
	assert.Equal(suite.T(), 2, stats.TotalSegments)
	assert.InDelta(suite.T(), 0.0158, stats.TotalCost, 0.00001)

	assert.Equal(suite.T(), []sms.TemplateCount{{Name: "welcome", Count: 2}, {Name: "promo", Count: 1}}, stats.TopTemplates)

	require.Len(suite.T(), stats.Daily, 2)
	assert.Equal(suite.T(), "2024-05-10", stats.Daily[0].Date)
	assert.Equal(suite.T(), 2, stats.Daily[0].Count)
	assert.Equal(suite.T(), "2024-05-11", stats.Daily[1].Date)
}

func (suite *deliveryLogTestSuite) TestStatsWindow() {
	suite.record("+1", "welcome", true)
	suite.clock.Advance(10 * 24 * time.Hour)
	suite.record("+2", "welcome", true)

	stats, err := suite.log.Stats(context.Background(), 7)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 1, stats.Total)
}

func (suite *deliveryLogTestSuite) TestStatsHugeWindow() {
	suite.record("+1", "welcome", true)
	suite.record("+2", "welcome", true)
	suite.record("+3", "", false)

	stats, err := suite.log.Stats(context.Background(), 200000)
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 3, stats.Total)
	assert.Equal(suite.T(), 2, stats.Successful)
}

func (suite *deliveryLogTestSuite) TestPruneHugeAgeKeepsEverything() {
	suite.record("+1", "", true)
	suite.record("+2", "", true)
	suite.record("+3", "", false)

	deleted, err := suite.log.Prune(context.Background(), 200000)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 0, deleted)

	records, err := suite.log.Query(context.Background(), sms.DeliveryCriteria{})
	require.NoError(suite.T(), err)
	assert.Len(suite.T(), records, 3)
}

func (suite *deliveryLogTestSuite) TestPruneZeroDeletesEverything() {
	suite.record("+1", "", true)
	suite.record("+2", "", true)

	deleted, err := suite.log.Prune(context.Background(), 0)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 2, deleted)

	records, err := suite.log.Query(context.Background(), sms.DeliveryCriteria{})
	require.NoError(suite.T(), err)
	assert.Empty(suite.T(), records)
}

func (suite *deliveryLogTestSuite) TestPruneKeepsRecent() {
	suite.record("+1", "", true)
	suite.clock.Advance(40 * 24 * time.Hour)
	suite.record("+2", "", true)

	deleted, err := suite.log.Prune(context.Background(), 30)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, deleted)

	records, err := suite.log.Query(context.Background(), sms.DeliveryCriteria{})
	require.NoError(suite.T(), err)
	require.Len(suite.T(), records, 1)
	assert.Equal(suite.T(), "+2", records[0].Recipient)
}

func (suite *deliveryLogTestSuite) TestRecipientHistory() {
	for i := 0; i < 12; i++ {
		suite.record("+1", "welcome", i != 3)
		suite.clock.Advance(time.Minute)
	}
	suite.record("+2", "welcome", true)

	history, err := suite.log.RecipientHistory(context.Background(), "+1")
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), 12, history.Total)
	assert.Equal(suite.T(), 11, history.Successful)
	assert.Equal(suite.T(), 1, history.Failed)
	assert.InDelta(suite.T(), 11*0.0079, history.TotalCost, 0.00001)
	assert.Len(suite.T(), history.Recent, 10)
	require.NotNil(suite.T(), history.First)
	require.NotNil(suite.T(), history.Last)
	assert.True(suite.T(), history.Last.After(*history.First))
}

func (suite *deliveryLogTestSuite) TestRecipientHistoryUnknown() {
	history, err := suite.log.RecipientHistory(context.Background(), "+9")
	require.NoError(suite.T(), err)

	assert.Zero(suite.T(), history.Total)
	assert.Nil(suite.T(), history.First)
	assert.Empty(suite.T(), history.Recent)
}

func (suite *deliveryLogTestSuite) TestSearch() {
	suite.record("+1", "", true)
	suite.record("+2", "", true)

	records, err := suite.log.Search(context.Background(), "Hello +2", 10)
	require.NoError(suite.T(), err)
	require.Len(suite.T(), records, 1)
	assert.Equal(suite.T(), "+2", records[0].Recipient)
}

func (suite *deliveryLogTestSuite) TestExportCSV() {
	_, err := suite.log.Record(context.Background(), sms.Attempt{
		Outcome:   sms.Outcome{To: "+1", Success: true, MessageId: "SM1", Status: "queued"},
		Body:      "Hi \"Ann\", see you, ok?\nBye",
		Template:  "welcome",
		Variables: map[string]string{"name": "Ann"},
		BatchId:   "batch-1",
	})
	require.NoError(suite.T(), err)
	suite.record("+2", "", false)

	data, err := suite.log.Export(context.Background(), sms.ExportCSV, 100)
	require.NoError(suite.T(), err)

	records, err := sms.ParseCSVExport(bytes.NewReader(data))
	require.NoError(suite.T(), err)

	stored, err := suite.log.Query(context.Background(), sms.DeliveryCriteria{})
	require.NoError(suite.T(), err)

	assert.Equal(suite.T(), stored, records)
}

func (suite *deliveryLogTestSuite) TestExportJSON() {
	suite.record("+1", "welcome", true)

	data, err := suite.log.Export(context.Background(), sms.ExportJSON, 100)
	require.NoError(suite.T(), err)

	var decoded []map[string]interface{}
	require.NoError(suite.T(), json.Unmarshal(data, &decoded))
	require.Len(suite.T(), decoded, 1)
	assert.Equal(suite.T(), "+1", decoded[0]["recipient"])
	assert.Equal(suite.T(), "welcome", decoded[0]["template"])
}

func (suite *deliveryLogTestSuite) TestExportUnknownFormat() {
	_, err := suite.log.Export(context.Background(), "xml", 10)
	assert.True(suite.T(), errors.Is(err, sms.ValidationErr))
}

func (suite *deliveryLogTestSuite) TestRecordStorageFailure() {
	log := sms.NewDeliveryLog(&brokenRepository{}, sms.SetDeliveryLogger(quietLogger()))

	_, err := log.Record(context.Background(), sms.Attempt{Outcome: sms.Outcome{To: "+1", Success: true}})
	assert.True(suite.T(), errors.Is(err, sms.StorageErr))
}

// brokenRepository fails every write.
type brokenRepository struct {
	sms.DeliveryRepository
}

func (repo *brokenRepository) Create(ctx context.Context, record *sms.DeliveryRecord) error {
	return errors.New("disk full")
}

func (suite *deliveryLogTestSuite) TestPruneZeroWithMicrosecondStorage() {
	clock := newClock()
	clock.Advance(600 * time.Nanosecond)

	log := sms.NewDeliveryLog(
		&microsecondRepository{DeliveryRepository: newDeliveryRepository(suite.T())},
		sms.SetClock(clock.Now),
		sms.SetDeliveryLogger(quietLogger()),
	)

	_, err := log.Record(context.Background(), sms.Attempt{Outcome: sms.Outcome{To: "+1", Success: true}})
	require.NoError(suite.T(), err)

	deleted, err := log.Prune(context.Background(), 0)
	require.NoError(suite.T(), err)
	assert.Equal(suite.T(), 1, deleted)
}

// microsecondRepository rounds timestamps the way postgres stores them.
type microsecondRepository struct {
	sms.DeliveryRepository
}

func (repo *microsecondRepository) Create(ctx context.Context, record *sms.DeliveryRecord) error {
	record.SentAt = record.SentAt.Round(time.Microsecond)

	return repo.DeliveryRepository.Create(ctx, record)
}
