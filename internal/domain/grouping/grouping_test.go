package grouping

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ehr/validator/internal/domain/validation"
	"github.com/ehr/validator/pkg/pagination"
)

func key(id string) validation.ResourceKey {
	return validation.ResourceKey{ServerID: "srv", ResourceType: "Patient", FhirID: id}
}

func missingName(id string) validation.Issue {
	return validation.Issue{
		Aspect:        validation.AspectProfile,
		Severity:      validation.SeverityError,
		Code:          "required",
		CanonicalPath: "Patient.name",
		Message:       fmt.Sprintf("Patient/%s is missing a name", id),
	}
}

func TestAggregator_CountsEachResourceOnce(t *testing.T) {
	agg := NewAggregator(validation.NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	n, err := agg.Upsert(ctx, key("a"), []validation.Issue{missingName("a"), missingName("a")}, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "duplicate signatures in one batch count once")

	n, err = agg.Upsert(ctx, key("a"), []validation.Issue{missingName("a")}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = agg.Upsert(ctx, key("b"), []validation.Issue{missingName("b")}, t0.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	groups, total, err := agg.ListGroups(ctx, validation.GroupFilter{ServerID: "srv"}, pagination.Params{Limit: 10})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	g := groups[0]
	assert.Equal(t, 2, g.TotalResources)
	assert.Equal(t, t0, g.FirstSeenAt)
	assert.Equal(t, t0.Add(2*time.Minute), g.LastSeenAt)
	assert.Equal(t, validation.Sign(missingName("zzz")), g.Signature)
}

func TestAggregator_LastSeenNeverMovesBack(t *testing.T) {
	agg := NewAggregator(validation.NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	_, err := agg.Upsert(ctx, key("a"), []validation.Issue{missingName("a")}, t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = agg.Upsert(ctx, key("b"), []validation.Issue{missingName("b")}, t0)
	require.NoError(t, err)

	g, err := agg.GetGroup(ctx, "srv", validation.Sign(missingName("a")))
	require.NoError(t, err)
	assert.Equal(t, t0.Add(time.Hour), g.LastSeenAt)
	assert.False(t, g.LastSeenAt.Before(g.FirstSeenAt))
	assert.Equal(t, 2, g.TotalResources)
}

func TestAggregator_ConcurrentUpserts(t *testing.T) {
	agg := NewAggregator(validation.NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()
	now := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 60; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("p%d", i%12)
			_, err := agg.Upsert(ctx, key(id), []validation.Issue{missingName(id)}, now)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	g, err := agg.GetGroup(ctx, "srv", validation.Sign(missingName("x")))
	require.NoError(t, err)
	assert.Equal(t, 12, g.TotalResources)
}

func TestAggregator_ClearServer(t *testing.T) {
	agg := NewAggregator(validation.NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()
	_, err := agg.Upsert(ctx, key("a"), []validation.Issue{missingName("a")}, time.Now())
	require.NoError(t, err)

	require.NoError(t, agg.ClearServer(ctx, "srv"))
	_, err = agg.GetGroup(ctx, "srv", validation.Sign(missingName("a")))
	assert.ErrorIs(t, err, ErrGroupNotFound)
}

func TestAggregator_ListGroupsRequiresServer(t *testing.T) {
	agg := NewAggregator(validation.NewMemoryStore(), zerolog.Nop())
	_, _, err := agg.ListGroups(context.Background(), validation.GroupFilter{}, pagination.Params{Limit: 10})
	assert.Error(t, err)
}

func seeded(t *testing.T) (*Handler, string) {
	t.Helper()
	agg := NewAggregator(validation.NewMemoryStore(), zerolog.Nop())
	ctx := context.Background()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		_, err := agg.Upsert(ctx, key(id), []validation.Issue{missingName(id)}, now)
		require.NoError(t, err)
	}
	return NewHandler(agg), validation.Sign(missingName("a"))
}

func TestHandler_ListGroups(t *testing.T) {
	h, sig := seeded(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/validation/groups?server=srv&aspect=profile&limit=5", nil)
	rec := httptest.NewRecorder()
	require.NoError(t, h.ListGroups(e.NewContext(req, rec)))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Data  []validation.MessageGroup `json:"data"`
		Total int                       `json:"total"`
		Limit int                       `json:"limit"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Total)
	assert.Equal(t, 5, body.Limit)
	require.Len(t, body.Data, 1)
	assert.Equal(t, sig, body.Data[0].Signature)
	assert.Equal(t, 3, body.Data[0].TotalResources)
}

func TestHandler_ListGroupsValidation(t *testing.T) {
	h, _ := seeded(t)
	e := echo.New()

	for _, target := range []string{
		"/api/validation/groups",
		"/api/validation/groups?server=srv&aspect=bogus",
		"/api/validation/groups?server=srv&severity=fatal",
	} {
		c := e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
		err := h.ListGroups(c)
		var he *echo.HTTPError
		require.ErrorAs(t, err, &he, target)
		assert.Equal(t, http.StatusBadRequest, he.Code, target)
	}
}

func TestHandler_ListMembers(t *testing.T) {
	h, sig := seeded(t)
	e := echo.New()

	req := httptest.NewRequest(http.MethodGet, "/api/validation/groups/"+sig+"/members?server=srv&limit=2", nil)
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)
	c.SetParamNames("signature")
	c.SetParamValues(sig)
	require.NoError(t, h.ListMembers(c))

	var body struct {
		Data    []validation.GroupMember `json:"data"`
		Total   int                      `json:"total"`
		HasMore bool                     `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Total)
	assert.Len(t, body.Data, 2)
	assert.True(t, body.HasMore)
}

func TestHandler_GetGroupNotFound(t *testing.T) {
	h, _ := seeded(t)
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/?server=srv", nil), httptest.NewRecorder())
	c.SetParamNames("signature")
	c.SetParamValues("deadbeef")

	err := h.GetGroup(c)
	var he *echo.HTTPError
	require.ErrorAs(t, err, &he)
	assert.Equal(t, http.StatusNotFound, he.Code)
}

func TestHandler_ClearServer(t *testing.T) {
	h, sig := seeded(t)
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodDelete, "/", nil), rec)
	c.SetParamNames("server")
	c.SetParamValues("srv")
	require.NoError(t, h.ClearServer(c))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	_, err := h.agg.GetGroup(context.Background(), "srv", sig)
	assert.ErrorIs(t, err, ErrGroupNotFound)
}
