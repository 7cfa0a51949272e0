package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"voice-integrity-server/pkg/errors"
	"voice-integrity-server/pkg/pii"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	return logger
}

func testRepository(t *testing.T) *Repository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())), &gorm.Config{})
	require.NoError(t, err)

	repo := NewRepository(db, time.Second, testLogger())
	require.NoError(t, repo.Migrate())
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestCreateAndListFlags(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	flag, err := repo.CreateFlag(ctx, "user-1", &IntegrityFlag{
		SessionID:       "s1",
		FlagType:        FlagTypeVoiceCheating,
		Severity:        SeverityHigh,
		ConfidenceScore: 0.86,
		Evidence:        map[string]interface{}{"contributing_factors": []interface{}{"Multiple speakers: 2"}},
		AnalysisSummary: "Voice analysis detected potential cheating",
	})
	require.NoError(t, err)
	assert.NotEmpty(t, flag.ID)
	assert.Equal(t, FlagStatusPending, flag.Status)

	_, err = repo.CreateFlag(ctx, "user-2", &IntegrityFlag{SessionID: "s2", Severity: SeverityLow})
	require.NoError(t, err)

	got, err := repo.GetFlag(ctx, flag.ID)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, []interface{}{"Multiple speakers: 2"}, got.Evidence["contributing_factors"])

	flags, err := repo.ListFlags(ctx, FlagFilter{SessionID: "s1"})
	require.NoError(t, err)
	require.Len(t, flags, 1)
	assert.Equal(t, flag.ID, flags[0].ID)

	all, err := repo.ListFlags(ctx, FlagFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	high, err := repo.ListFlags(ctx, FlagFilter{Severity: SeverityHigh})
	require.NoError(t, err)
	assert.Len(t, high, 1)
}

func TestRedactorMasksStoredText(t *testing.T) {
	repo := testRepository(t)
	repo.SetRedactor(pii.NewDetector(pii.DefaultConfig(), testLogger()))
	ctx := context.Background()

	flag, err := repo.CreateFlag(ctx, "user-1", &IntegrityFlag{
		SessionID:       "s1",
		Severity:        SeverityMedium,
		Evidence:        map[string]interface{}{"proctor_note": "heard 234-56-7890 read out", "speakers": 2.0},
		AnalysisSummary: "Contact jane.doe@example.com about this session",
	})
	require.NoError(t, err)

	got, err := repo.GetFlag(ctx, flag.ID)
	require.NoError(t, err)
	assert.Equal(t, "Contact j******e@example.com about this session", got.AnalysisSummary)
	assert.Equal(t, "heard ***-**-7890 read out", got.Evidence["proctor_note"])
	assert.Equal(t, 2.0, got.Evidence["speakers"])

	_, err = repo.CreateEvent(ctx, "user-1", &IntegrityEvent{
		SessionID: "s1",
		EventType: EventTypeVoiceAnalysis,
		Data:      map[string]interface{}{"note": "call (555) 123-4567"},
	})
	require.NoError(t, err)
	events, err := repo.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "call (***) ***-4567", events[0].Data["note"])
}

func TestUpdateFlagStatus(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	flag, err := repo.CreateFlag(ctx, "u", &IntegrityFlag{SessionID: "s1"})
	require.NoError(t, err)

	require.NoError(t, repo.UpdateFlagStatus(ctx, flag.ID, "reviewed"))
	got, err := repo.GetFlag(ctx, flag.ID)
	require.NoError(t, err)
	assert.Equal(t, "reviewed", got.Status)

	err = repo.UpdateFlagStatus(ctx, "missing", "reviewed")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestGetMissingFlag(t *testing.T) {
	repo := testRepository(t)

	_, err := repo.GetFlag(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
	assert.Equal(t, "NOT_FOUND", errors.GetErrorCode(err))
}

func TestEvents(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := repo.CreateEvent(ctx, "u", &IntegrityEvent{
			SessionID: "s1",
			EventType: EventTypeVoiceAnalysis,
			Data:      map[string]interface{}{"cycle": float64(i)},
		})
		require.NoError(t, err)
	}

	events, err := repo.ListEvents(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, "u", events[0].UserID)

	none, err := repo.ListEvents(ctx, "other")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSummaryUpsert(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	record := &SessionSummaryRecord{
		SessionID:       "s1",
		ChunksProcessed: 10,
		FinalRiskScore:  0.4,
		Summary:         map[string]interface{}{"alerts_generated": float64(0)},
	}
	require.NoError(t, repo.SaveSummary(ctx, record))

	record.FinalRiskScore = 0.9
	require.NoError(t, repo.SaveSummary(ctx, record))

	got, err := repo.GetSummary(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, 0.9, got.FinalRiskScore)
	assert.Equal(t, int64(10), got.ChunksProcessed)

	_, err = repo.GetSummary(ctx, "missing")
	assert.ErrorIs(t, err, errors.ErrNotFound)
}

func TestModelArtifacts(t *testing.T) {
	repo := testRepository(t)
	ctx := context.Background()

	_, err := repo.LatestModel(ctx, "cheating")
	assert.ErrorIs(t, err, errors.ErrNotFound)

	require.NoError(t, repo.SaveModel(ctx, &ModelArtifact{Name: "cheating", Data: []byte("v1")}))
	require.NoError(t, repo.SaveModel(ctx, &ModelArtifact{Name: "cheating", Data: []byte("v2"), TrainingSamples: 12}))

	latest, err := repo.LatestModel(ctx, "cheating")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), latest.Data)
	assert.Equal(t, 12, latest.TrainingSamples)
}

func TestOpenSQLite(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database = "file:open_test?mode=memory&cache=shared"

	repo, err := Open(cfg, testLogger())
	require.NoError(t, err)
	defer repo.Close()
	assert.NoError(t, repo.Health(context.Background()))
}

func TestConfigValidation(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.Driver = "oracle"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Driver = DriverPostgres
	cfg.Host = ""
	assert.Error(t, cfg.Validate())

	cfg.DSN = "host=db user=voice dbname=voice"
	assert.NoError(t, cfg.Validate())

	_, err := Open(Config{Driver: "oracle"}, testLogger())
	assert.Equal(t, "INVALID_CONFIG", errors.GetErrorCode(err))
}

func TestConnectionStrings(t *testing.T) {
	cfg := Config{Driver: DriverMySQL, Host: "db", Database: "voice", Username: "u", Password: "p", Charset: "utf8mb4"}
	assert.Equal(t, "u:p@tcp(db:3306)/voice?charset=utf8mb4&parseTime=true&loc=UTC", cfg.ConnectionString())

	cfg = Config{Driver: DriverPostgres, Host: "db", Port: 6432, Database: "voice", Username: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=6432 user=u password=p dbname=voice sslmode=disable", cfg.ConnectionString())
}

func TestSeverityForConfidence(t *testing.T) {
	assert.Equal(t, SeverityCritical, SeverityForConfidence(0.95))
	assert.Equal(t, SeverityHigh, SeverityForConfidence(0.85))
	assert.Equal(t, SeverityMedium, SeverityForConfidence(0.7))
	assert.Equal(t, SeverityLow, SeverityForConfidence(0.5))
}
