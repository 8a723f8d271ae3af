package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polzovatel/course-scout/internal/llm"
)

const validReply = `{"courses":[
	{"title":"RAG Basics","description":"Retrieval augmented generation","presenter":["Ana","Ben"],"imageUrl":"/img/rag.png","courseURL":"/short-courses/rag"},
	{"title":"Agents","description":"Tool use","presenter":[],"imageUrl":"https://cdn.example.com/a.png","courseURL":"https://example.com/agents"}
]}`

func TestDecodeValid(t *testing.T) {
	list, err := Decode(validReply)
	require.NoError(t, err)
	require.Len(t, list.Courses, 2)
	assert.Equal(t, Course{
		Title:       "RAG Basics",
		Description: "Retrieval augmented generation",
		Presenter:   []string{"Ana", "Ben"},
		ImageURL:    "/img/rag.png",
		CourseURL:   "/short-courses/rag",
	}, list.Courses[0])
	assert.Empty(t, list.Courses[1].Presenter)
}

func TestDecodeEmptyList(t *testing.T) {
	list, err := Decode(`{"courses":[]}`)
	require.NoError(t, err)
	assert.NotNil(t, list)
	assert.Empty(t, list.Courses)
}

func TestDecodeRejectsSchemaViolations(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: "Here are the courses: ..."},
		{name: "markdown fence", raw: "```json\n{\"courses\":[]}\n```"},
		{name: "empty", raw: ""},
		{name: "null", raw: "null"},
		{name: "missing courses", raw: `{}`},
		{name: "unknown top field", raw: `{"courses":[],"note":"x"}`},
		{name: "unknown course field", raw: `{"courses":[{"title":"a","description":"b","presenter":[],"imageUrl":"c","courseURL":"d","price":1}]}`},
		{name: "missing field", raw: `{"courses":[{"title":"a","description":"b","presenter":[],"imageUrl":"c"}]}`},
		{name: "wrong type", raw: `{"courses":[{"title":1,"description":"b","presenter":[],"imageUrl":"c","courseURL":"d"}]}`},
		{name: "presenter as string", raw: `{"courses":[{"title":"a","description":"b","presenter":"Ana","imageUrl":"c","courseURL":"d"}]}`},
		{name: "null course", raw: `{"courses":[null]}`},
		{name: "null presenter", raw: `{"courses":[{"title":"a","description":"b","presenter":[null],"imageUrl":"c","courseURL":"d"}]}`},
		{name: "null among presenters", raw: `{"courses":[{"title":"a","description":"b","presenter":["Ana",null],"imageUrl":"c","courseURL":"d"}]}`},
		{name: "trailing data", raw: `{"courses":[]} {"courses":[]}`},
		{name: "truncated", raw: `{"courses":[{"title":"a"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			list, err := Decode(tt.raw)
			require.ErrorIs(t, err, ErrSchemaViolation)
			assert.Nil(t, list)
		})
	}
}

func TestSchemaIsStrict(t *testing.T) {
	s := Schema()
	assert.Equal(t, schemaName, s.Name)
	assert.Equal(t, false, s.JSON["additionalProperties"])
	assert.Equal(t, []string{"courses"}, s.JSON["required"])

	courses := s.JSON["properties"].(map[string]any)["courses"].(map[string]any)
	item := courses["items"].(map[string]any)
	assert.Equal(t, false, item["additionalProperties"])
	assert.ElementsMatch(t, []string{"title", "description", "presenter", "imageUrl", "courseURL"}, item["required"])
}

func TestSystemPromptLayersInstructions(t *testing.T) {
	p := SystemPrompt("\n  only courses about RAG  \n")
	assert.Contains(t, p, "expert web scraping agent")
	assert.Contains(t, p, "only courses about RAG\n")
	assert.Contains(t, p, "title, description, presenter, the image URL and course URL")
	assert.True(t, strings.Index(p, "only courses about RAG") < strings.Index(p, "Return ONLY valid JSON"))
}

func TestTruncate(t *testing.T) {
	tests := []struct {
		name   string
		markup string
		limit  int
		want   string
	}{
		{name: "short", markup: "abc", limit: 5, want: "abc"},
		{name: "exact", markup: "abcde", limit: 5, want: "abcde"},
		{name: "ascii", markup: "abcdef", limit: 4, want: "abcd"},
		{name: "multibyte", markup: "héllo wörld", limit: 7, want: "héllo w"},
		{name: "multibyte fits", markup: "ééé", limit: 3, want: "ééé"},
		{name: "no limit", markup: "abcdef", limit: 0, want: "abcdef"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Truncate(tt.markup, tt.limit)
			assert.Equal(t, tt.want, got)
			assert.True(t, utf8.ValidString(got))
		})
	}

	big := strings.Repeat("<div>курс</div>", 20000)
	cut := Truncate(big, 150000)
	assert.Equal(t, 150000, utf8.RuneCountInString(cut))
	assert.True(t, strings.HasPrefix(big, cut))
}

func TestResolveURLs(t *testing.T) {
	list, err := Decode(validReply)
	require.NoError(t, err)
	require.NoError(t, list.ResolveURLs("https://deeplearning.ai"))

	assert.Equal(t, "https://deeplearning.ai/img/rag.png", list.Courses[0].ImageURL)
	assert.Equal(t, "https://deeplearning.ai/short-courses/rag", list.Courses[0].CourseURL)
	assert.Equal(t, "https://cdn.example.com/a.png", list.Courses[1].ImageURL)
	assert.Equal(t, "https://example.com/agents", list.Courses[1].CourseURL)

	var nilList *CourseList
	assert.NoError(t, nilList.ResolveURLs("https://deeplearning.ai"))
	assert.NoError(t, list.ResolveURLs(""))
}

func TestCondense(t *testing.T) {
	markup := `<html><head><style>.a{}</style><script>var x=1</script></head>
<body><!-- tracking --><div class="card" style="color:red"><h2>RAG</h2><img src="/r.png"><a href="/rag">Open</a>
<svg><path d="M0"/></svg><noscript>enable js</noscript></div></body></html>`

	out, err := Condense(markup)
	require.NoError(t, err)
	for _, gone := range []string{"<script", "<style", "<svg", "<noscript", "tracking", "color:red"} {
		assert.NotContains(t, out, gone)
	}
	for _, kept := range []string{`class="card"`, "<h2>RAG</h2>", `src="/r.png"`, `href="/rag"`} {
		assert.Contains(t, out, kept)
	}
	assert.Less(t, len(out), len(markup))
}

type fakeClient struct {
	reply string
	err   error
	got   llm.Request
}

func (f *fakeClient) Generate(_ context.Context, req llm.Request) (llm.Response, error) {
	f.got = req
	if f.err != nil {
		return llm.Response{}, f.err
	}
	return llm.Response{Text: f.reply}, nil
}

func (f *fakeClient) Name() string { return "fake" }

func TestExtractorSendsContract(t *testing.T) {
	client := &fakeClient{reply: validReply}
	list, err := NewExtractor(client, zerolog.Nop()).Extract(context.Background(), "<html>courses</html>", "Get all the courses")
	require.NoError(t, err)
	require.Len(t, list.Courses, 2)

	assert.Equal(t, SystemPrompt("Get all the courses"), client.got.System)
	require.Len(t, client.got.Messages, 1)
	assert.Equal(t, llm.Message{Role: "user", Content: "<html>courses</html>"}, client.got.Messages[0])
	require.NotNil(t, client.got.Schema)
	assert.Equal(t, schemaName, client.got.Schema.Name)
	assert.InDelta(t, 0.1, client.got.Temperature, 0.0001)
}

func TestExtractorFailures(t *testing.T) {
	boom := errors.New("rate limited")
	_, err := NewExtractor(&fakeClient{err: boom}, zerolog.Nop()).Extract(context.Background(), "<html/>", "x")
	require.ErrorIs(t, err, boom)

	list, err := NewExtractor(&fakeClient{reply: `{"courses":[{"title":"a"}]}`}, zerolog.Nop()).Extract(context.Background(), "<html/>", "x")
	require.ErrorIs(t, err, ErrSchemaViolation)
	assert.Nil(t, list)
}
