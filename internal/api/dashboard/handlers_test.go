package dashboard_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"

	"github.com/labstack/echo/v4"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/lissto-dev/fleet/internal/api/common"
	"github.com/lissto-dev/fleet/internal/api/dashboard"
	"github.com/lissto-dev/fleet/pkg/aggregator"
	"github.com/lissto-dev/fleet/pkg/collector"
	"github.com/lissto-dev/fleet/pkg/response"
)

const snapshotID = "0b6f2f52-7c57-4a8e-9b8e-3c1f0e5d2a41"

// MockService is a mock implementation of dashboard.Service
type MockService struct {
	mock.Mock
}

func (m *MockService) Aggregate(ctx context.Context) (*aggregator.Snapshot, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aggregator.Snapshot), args.Error(1)
}

func (m *MockService) BackfillVersions(ctx context.Context, snapshotID string, keys []string) (*aggregator.VersionBackfill, error) {
	args := m.Called(ctx, snapshotID, keys)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aggregator.VersionBackfill), args.Error(1)
}

func (m *MockService) BackfillStats(ctx context.Context, snapshotID string) (*aggregator.UsageBackfill, error) {
	args := m.Called(ctx, snapshotID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*aggregator.UsageBackfill), args.Error(1)
}

var _ = Describe("Dashboard handlers", func() {
	var (
		e       *echo.Echo
		service *MockService
	)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		var req *http.Request
		if body == "" {
			req = httptest.NewRequest(method, path, nil)
		} else {
			req = httptest.NewRequest(method, path, strings.NewReader(body))
			req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		}
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		return rec
	}

	decodeError := func(rec *httptest.ResponseRecorder) response.Response {
		var body response.Response
		Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
		return body
	}

	BeforeEach(func() {
		e = echo.New()
		e.Validator = common.NewValidator()
		service = &MockService{}
		dashboard.RegisterRoutes(e.Group("/api/v1/dashboard"), dashboard.NewHandler(service))
	})

	AfterEach(func() {
		service.AssertExpectations(GinkgoT())
	})

	Describe("GET /dashboard", func() {
		It("should return the snapshot", func() {
			service.On("Aggregate", mock.Anything).Return(&aggregator.Snapshot{
				ID:              snapshotID,
				Apps:            []aggregator.App{{Key: "nginx", Name: "nginx"}},
				Warnings:        []collector.Warning{{Source: "pi", Message: "pi: connection refused"}},
				TotalContainers: 1,
			}, nil)

			rec := do(http.MethodGet, "/api/v1/dashboard", "")
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body map[string]interface{}
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body["snapshot_id"]).To(Equal(snapshotID))
			Expect(body["total_containers"]).To(BeEquivalentTo(1))
			Expect(body["warnings"]).To(HaveLen(1))
			Expect(body).To(HaveKey("host_stats"))
		})

		It("should report a failure to store the snapshot", func() {
			service.On("Aggregate", mock.Anything).Return(nil, errors.New("redis down"))

			rec := do(http.MethodGet, "/api/v1/dashboard", "")
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
			Expect(decodeError(rec).Success).To(BeFalse())
		})
	})

	Describe("POST /dashboard/versions", func() {
		It("should pass the requested keys through", func() {
			keys := []string{"nas:c4"}
			service.On("BackfillVersions", mock.Anything, snapshotID, keys).Return(&aggregator.VersionBackfill{
				SnapshotID: snapshotID,
				Updates:    []aggregator.VersionUpdate{{Key: "nas:c4", AppKey: "ghcr.io/acme/app", Version: "2.4.1"}},
			}, nil)

			rec := do(http.MethodPost, "/api/v1/dashboard/versions",
				`{"snapshot_id":"`+snapshotID+`","keys":["nas:c4"]}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body aggregator.VersionBackfill
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.Updates).To(HaveLen(1))
			Expect(body.Updates[0].Version).To(Equal("2.4.1"))
		})

		It("should reject a missing snapshot id", func() {
			rec := do(http.MethodPost, "/api/v1/dashboard/versions", `{"keys":["nas:c4"]}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
			Expect(decodeError(rec).Error).To(ContainSubstring("SnapshotID"))
		})

		It("should reject a malformed body", func() {
			rec := do(http.MethodPost, "/api/v1/dashboard/versions", `{"snapshot_id":`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should return 404 for an expired snapshot", func() {
			service.On("BackfillVersions", mock.Anything, snapshotID, []string(nil)).
				Return(nil, aggregator.ErrSnapshotNotFound)

			rec := do(http.MethodPost, "/api/v1/dashboard/versions", `{"snapshot_id":"`+snapshotID+`"}`)
			Expect(rec.Code).To(Equal(http.StatusNotFound))
		})
	})

	Describe("POST /dashboard/stats", func() {
		It("should return live usage", func() {
			service.On("BackfillStats", mock.Anything, snapshotID).Return(&aggregator.UsageBackfill{
				SnapshotID: snapshotID,
				Hosts:      []aggregator.HostUsage{{HostID: "nas", Containers: 2, CPUPercent: 3.5}},
			}, nil)

			rec := do(http.MethodPost, "/api/v1/dashboard/stats", `{"snapshot_id":"`+snapshotID+`"}`)
			Expect(rec.Code).To(Equal(http.StatusOK))

			var body aggregator.UsageBackfill
			Expect(json.Unmarshal(rec.Body.Bytes(), &body)).To(Succeed())
			Expect(body.Hosts).To(HaveLen(1))
			Expect(body.Hosts[0].CPUPercent).To(BeNumerically("~", 3.5, 0.001))
		})

		It("should reject a snapshot id that is not a uuid", func() {
			rec := do(http.MethodPost, "/api/v1/dashboard/stats", `{"snapshot_id":"nope"}`)
			Expect(rec.Code).To(Equal(http.StatusBadRequest))
		})

		It("should surface unexpected errors as 500", func() {
			service.On("BackfillStats", mock.Anything, snapshotID).Return(nil, errors.New("boom"))

			rec := do(http.MethodPost, "/api/v1/dashboard/stats", `{"snapshot_id":"`+snapshotID+`"}`)
			Expect(rec.Code).To(Equal(http.StatusInternalServerError))
		})
	})
})
