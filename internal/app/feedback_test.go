package app

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aipwatch/api/internal/store"
)

func domainStatus(t *testing.T, err error) int {
	t.Helper()
	var domainErr *DomainError
	require.ErrorAs(t, err, &domainErr)
	return domainErr.Status
}

func TestCreateThreadCitizenOnPublishedAip(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedUser(fs, actorCtz)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)

	row, err := svc.CreateThread(context.Background(), actorCtz, CreateThreadRequest{
		TargetType: store.TargetAip,
		AipID:      "aip-1",
		Kind:       store.KindConcern,
		Body:       "The road budget seems to double-count phase 2.",
	})
	require.NoError(t, err)
	assert.Equal(t, store.KindConcern, row.Kind)
	assert.Equal(t, store.SourceHuman, row.Source)
	assert.True(t, row.IsPublic)
	assert.Nil(t, row.ParentFeedbackID)
	require.NotNil(t, row.AuthorID)
	assert.Equal(t, actorCtz.UserID, *row.AuthorID)
}

func TestCreateThreadCitizenBlockedOnUnpublishedAip(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPendingReview)

	_, err := svc.CreateThread(context.Background(), actorCtz, CreateThreadRequest{
		TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindQuestion, Body: "When is this available?",
	})
	assert.Equal(t, http.StatusNotFound, domainStatus(t, err))
}

func TestCreateThreadValidation(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	ctx := context.Background()

	_, err := svc.CreateThread(ctx, actorCtz, CreateThreadRequest{TargetType: "road", AipID: "aip-1", Kind: store.KindConcern, Body: "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, domainStatus(t, err))

	_, err = svc.CreateThread(ctx, actorCtz, CreateThreadRequest{TargetType: store.TargetAip, Kind: store.KindConcern, Body: "x"})
	assert.Equal(t, http.StatusUnprocessableEntity, domainStatus(t, err))

	// Roots never carry the official note kind.
	_, err = svc.CreateThread(ctx, actorOwner, CreateThreadRequest{TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindLguNote, Body: "note"})
	assert.Equal(t, http.StatusUnprocessableEntity, domainStatus(t, err))

	_, err = svc.CreateThread(ctx, actorCtz, CreateThreadRequest{TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindConcern, Body: "   "})
	assert.Equal(t, http.StatusUnprocessableEntity, domainStatus(t, err))

	long := make([]byte, maxFeedbackBodyLen+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = svc.CreateThread(ctx, actorCtz, CreateThreadRequest{TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindConcern, Body: string(long)})
	assert.Equal(t, http.StatusUnprocessableEntity, domainStatus(t, err))
}

func TestCreateThreadRateLimitsCitizens(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := svc.CreateThread(ctx, actorCtz, CreateThreadRequest{
			TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindSuggestion, Body: "suggestion",
		})
		require.NoError(t, err)
	}

	_, err := svc.CreateThread(ctx, actorCtz, CreateThreadRequest{
		TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindSuggestion, Body: "one too many",
	})
	assert.Equal(t, http.StatusTooManyRequests, domainStatus(t, err))

	// Officials are not rate limited.
	_, err = svc.CreateThread(ctx, actorOwner, CreateThreadRequest{
		TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindSuggestion, Body: "official note",
	})
	require.NoError(t, err)
}

func TestCreateThreadOnProjectTarget(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	_ = fs.CreateLineItem(context.Background(), store.AipLineItem{
		ID: "li-1", AipID: "aip-1", ProjectRefCode: "prj-7",
		ReviewStatus: store.LineReviewPending, CreatedAt: testEpoch,
	})

	row, err := svc.CreateThread(context.Background(), actorCtz, CreateThreadRequest{
		TargetType: store.TargetProject, ProjectID: "prj-7", FieldKey: "budget_total",
		Kind: store.KindQuestion, Body: "Why did the total change?",
	})
	require.NoError(t, err)
	require.NotNil(t, row.ProjectID)
	assert.Equal(t, "prj-7", *row.ProjectID)
	require.NotNil(t, row.FieldKey)
	assert.Equal(t, "budget_total", *row.FieldKey)
}

func TestAddReplyOfficialBecomesLguNote(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	ctx := context.Background()

	root, err := svc.CreateThread(ctx, actorCtz, CreateThreadRequest{
		TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindConcern, Body: "Concern body",
	})
	require.NoError(t, err)

	reply, err := svc.AddReply(ctx, actorOwner, root.ID, "We will correct this in the next revision.")
	require.NoError(t, err)
	assert.Equal(t, store.KindLguNote, reply.Kind)
	require.NotNil(t, reply.ParentFeedbackID)
	assert.Equal(t, root.ID, *reply.ParentFeedbackID)
}

func TestAddReplyToReplyAttachesToRoot(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	ctx := context.Background()

	root, err := svc.CreateThread(ctx, actorCtz, CreateThreadRequest{
		TargetType: store.TargetAip, AipID: "aip-1", Kind: store.KindQuestion, Body: "Question body",
	})
	require.NoError(t, err)
	mid, err := svc.AddReply(ctx, actorOwner, root.ID, "First answer.")
	require.NoError(t, err)

	followUp, err := svc.AddReply(ctx, actorCtz, mid.ID, "Thanks, a follow-up question.")
	require.NoError(t, err)
	require.NotNil(t, followUp.ParentFeedbackID)
	assert.Equal(t, root.ID, *followUp.ParentFeedbackID)
	// Citizen replies keep the root's kind.
	assert.Equal(t, store.KindQuestion, followUp.Kind)
}

func TestAddReplyOfficialOnlyToCitizenRoots(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	seedReplyRow(fs, "aip-1", "fb-note", actorOwner.UserID, testEpoch.Add(time.Minute))

	_, err := svc.AddReply(context.Background(), actorCity, "fb-note", "Countersigning.")
	assert.Equal(t, http.StatusForbidden, domainStatus(t, err))
}

func TestAddReplyUnknownThread(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)

	_, err := svc.AddReply(context.Background(), actorCtz, "fb-ghost", "hello")
	assert.Equal(t, http.StatusNotFound, domainStatus(t, err))
}

func seedThreadRow(fs *fakeStore, id, aipID string, parent *string, isPublic bool, at time.Time) {
	aipRef := aipID
	_ = fs.CreateFeedback(context.Background(), store.FeedbackRow{
		ID: id, TargetType: store.TargetAip, AipID: &aipRef,
		ParentFeedbackID: parent, Kind: store.KindConcern, Source: store.SourceHuman,
		Body: "body " + id, IsPublic: isPublic, CreatedAt: at, UpdatedAt: at,
	})
}

func TestListThreadsVisibility(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	seedThreadRow(fs, "fb-pub", "aip-1", nil, true, testEpoch.Add(time.Minute))
	seedThreadRow(fs, "fb-priv", "aip-1", nil, false, testEpoch.Add(2*time.Minute))

	q := TargetQuery{TargetType: store.TargetAip, AipID: "aip-1"}
	ctx := context.Background()

	// Anonymous and citizen viewers only see public rows.
	anon, err := svc.ListThreads(ctx, nil, q)
	require.NoError(t, err)
	require.Len(t, anon, 1)
	assert.Equal(t, "fb-pub", anon[0].Root.ID)

	citizen, err := svc.ListThreads(ctx, &actorCtz, q)
	require.NoError(t, err)
	assert.Len(t, citizen, 1)

	// An official whose scope covers the AIP sees everything.
	official, err := svc.ListThreads(ctx, &actorOwner, q)
	require.NoError(t, err)
	assert.Len(t, official, 2)

	city, err := svc.ListThreads(ctx, &actorCity, q)
	require.NoError(t, err)
	assert.Len(t, city, 2)

	// A recognized but foreign barangay only gets the public view.
	foreign, err := svc.ListThreads(ctx, &actorOther, q)
	require.NoError(t, err)
	assert.Len(t, foreign, 1)
}

func TestListThreadsUnpublishedHiddenFromPublic(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPendingReview)
	seedThreadRow(fs, "fb-1", "aip-1", nil, true, testEpoch.Add(time.Minute))

	anon, err := svc.ListThreads(context.Background(), nil, TargetQuery{TargetType: store.TargetAip, AipID: "aip-1"})
	require.NoError(t, err)
	assert.Empty(t, anon)

	official, err := svc.ListThreads(context.Background(), &actorOwner, TargetQuery{TargetType: store.TargetAip, AipID: "aip-1"})
	require.NoError(t, err)
	assert.Len(t, official, 1)
}

func TestThreadMessagesUnknownIDIsEmpty(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)

	messages, err := svc.ThreadMessages(context.Background(), nil, "fb-ghost")
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestThreadMessagesFromReplyID(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-1", store.StatusPublished)
	seedThreadRow(fs, "fb-root", "aip-1", nil, true, testEpoch.Add(time.Minute))
	seedThreadRow(fs, "fb-reply", "aip-1", strPtr("fb-root"), true, testEpoch.Add(2*time.Minute))

	messages, err := svc.ThreadMessages(context.Background(), nil, "fb-reply")
	require.NoError(t, err)
	require.Len(t, messages, 2)
	assert.Equal(t, "fb-root", messages[0].ID)
	assert.Equal(t, "fb-reply", messages[1].ID)
}

func TestInboxScopeFiltering(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-b", store.StatusPublished)
	seedCityAip(fs, "aip-c", store.StatusPublished)
	seedThreadRow(fs, "fb-b", "aip-b", nil, true, testEpoch.Add(time.Minute))
	seedThreadRow(fs, "fb-c", "aip-c", nil, true, testEpoch.Add(2*time.Minute))
	ctx := context.Background()

	// City officials see their city's threads and the barangays under it.
	cityInbox, err := svc.Inbox(ctx, actorCity, InboxQuery{})
	require.NoError(t, err)
	require.Len(t, cityInbox, 2)

	// Barangay officials see only their own barangay.
	bgyInbox, err := svc.Inbox(ctx, actorOwner, InboxQuery{})
	require.NoError(t, err)
	require.Len(t, bgyInbox, 1)
	assert.Equal(t, "fb-b", bgyInbox[0].Root.ID)

	otherInbox, err := svc.Inbox(ctx, actorOther, InboxQuery{})
	require.NoError(t, err)
	assert.Empty(t, otherInbox)

	_, err = svc.Inbox(ctx, actorCtz, InboxQuery{})
	assert.Equal(t, http.StatusForbidden, domainStatus(t, err))
}

func TestInboxOrdersByLastActivity(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-b", store.StatusPublished)
	seedThreadRow(fs, "fb-old", "aip-b", nil, true, testEpoch.Add(time.Minute))
	seedThreadRow(fs, "fb-new", "aip-b", nil, true, testEpoch.Add(2*time.Minute))
	// A late reply bumps the older thread to the top.
	seedThreadRow(fs, "fb-late-reply", "aip-b", strPtr("fb-old"), true, testEpoch.Add(3*time.Minute))

	inbox, err := svc.Inbox(context.Background(), actorOwner, InboxQuery{})
	require.NoError(t, err)
	require.Len(t, inbox, 2)
	assert.Equal(t, "fb-old", inbox[0].Root.ID)
	assert.Equal(t, "fb-new", inbox[1].Root.ID)
}

// Threads whose project target has no resolvable parent AIP default to the
// barangay scope kind and carry no concrete scope ids.
func TestInboxOrphanProjectDefaultsToBarangay(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	projectID := "prj-ghost"
	_ = fs.CreateFeedback(context.Background(), store.FeedbackRow{
		ID: "fb-orphan", TargetType: store.TargetProject, ProjectID: &projectID,
		Kind: store.KindConcern, Source: store.SourceHuman, Body: "orphan",
		IsPublic: true, CreatedAt: testEpoch.Add(time.Minute), UpdatedAt: testEpoch.Add(time.Minute),
	})

	// Admin with no scope filter sees it under the permissive default.
	inbox, err := svc.Inbox(context.Background(), actorAdmin, InboxQuery{ScopeKind: "city"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)

	// A concrete recognized filter excludes it: no ref to match against.
	inbox, err = svc.Inbox(context.Background(), actorCity, InboxQuery{})
	require.NoError(t, err)
	assert.Empty(t, inbox)
}

func TestInboxPublicVisibilityFilter(t *testing.T) {
	fs := newFakeStore()
	svc := newTestService(fs, nil)
	seedBarangayAip(fs, "aip-pub", store.StatusPublished)
	seedBarangayAip(fs, "aip-draft", store.StatusDraft)
	seedThreadRow(fs, "fb-1", "aip-pub", nil, true, testEpoch.Add(time.Minute))
	seedThreadRow(fs, "fb-2", "aip-draft", nil, true, testEpoch.Add(2*time.Minute))
	seedThreadRow(fs, "fb-3", "aip-pub", nil, false, testEpoch.Add(3*time.Minute))

	inbox, err := svc.Inbox(context.Background(), actorOwner, InboxQuery{Visibility: "public"})
	require.NoError(t, err)
	require.Len(t, inbox, 1)
	assert.Equal(t, "fb-1", inbox[0].Root.ID)
}
