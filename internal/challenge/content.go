package challenge

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"recoveryd/internal/behavior"
)

// Point is a mouse target in normalized [0,1] screen coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// Payload is the public description of a challenge. It never contains the
// expected answer in a form the response path can compare against.
type Payload struct {
	Type         behavior.ChallengeType `json:"type"`
	Instruction  string                 `json:"instruction"`
	TimeLimitSec int                    `json:"time_limit_sec"`

	// typing
	Prompt string `json:"prompt,omitempty"`

	// mouse
	Targets []Point `json:"targets,omitempty"`

	// cognitive
	Question string   `json:"question,omitempty"`
	Options  []string `json:"options,omitempty"`

	// navigation
	StartPage string `json:"start_page,omitempty"`
	Goal      string `json:"goal,omitempty"`
}

var typingPrompts = []string{
	"the morning light came through the kitchen window and warmed the table",
	"she packed two sandwiches and an apple before walking to the station",
	"a quiet river runs past the old mill at the edge of the village",
	"every autumn the maple trees along our street turn bright orange",
	"he forgot his umbrella again and arrived at work completely soaked",
	"the library closes early on sundays so plan your visit accordingly",
	"our neighbor plays the piano most evenings after dinner",
	"bring a warm jacket because the mountain trail gets cold after dark",
}

type navigationTask struct {
	goal   string
	target string
}

var navigationTasks = []navigationTask{
	{"Find the page where you can change your notification settings", "/settings/notifications"},
	{"Find your most recent invoice", "/billing/invoices"},
	{"Find the page listing devices signed in to your account", "/security/devices"},
	{"Find where you can update your shipping address", "/account/addresses"},
	{"Find the help article about exporting your data", "/help/export"},
}

var navigationStarts = []string{"/", "/dashboard", "/account", "/help"}

// content is one generated challenge body and its expected answer, if the
// type has one.
type content struct {
	payload Payload
	answer  string
}

// randInt returns a uniform integer in [0, max).
func randInt(max int) int {
	var b [8]byte
	rand.Read(b[:])
	return int(binary.BigEndian.Uint64(b[:]) % uint64(max))
}

func (g *Generator) generate(t behavior.ChallengeType) (content, error) {
	switch t {
	case behavior.TypeTyping:
		prompt := typingPrompts[g.randInt(len(typingPrompts))]
		return content{
			payload: Payload{
				Type:         t,
				Instruction:  "Type the sentence below at your normal pace.",
				TimeLimitSec: 180,
				Prompt:       prompt,
			},
			answer: prompt,
		}, nil

	case behavior.TypeMouse:
		targets := make([]Point, 5+g.randInt(4))
		for i := range targets {
			targets[i] = Point{
				X: 0.05 + 0.9*float64(g.randInt(1000))/1000,
				Y: 0.05 + 0.9*float64(g.randInt(1000))/1000,
			}
		}
		return content{
			payload: Payload{
				Type:         t,
				Instruction:  "Click each highlighted target in order.",
				TimeLimitSec: 120,
				Targets:      targets,
			},
		}, nil

	case behavior.TypeCognitive:
		question, options, answer := g.sequenceQuestion()
		return content{
			payload: Payload{
				Type:         t,
				Instruction:  "Answer the question. Take as long as you need.",
				TimeLimitSec: 300,
				Question:     question,
				Options:      options,
			},
			answer: answer,
		}, nil

	case behavior.TypeNavigation:
		task := navigationTasks[g.randInt(len(navigationTasks))]
		return content{
			payload: Payload{
				Type:         t,
				Instruction:  "Navigate the site the way you usually would.",
				TimeLimitSec: 300,
				StartPage:    navigationStarts[g.randInt(len(navigationStarts))],
				Goal:         task.goal,
			},
			answer: task.target,
		}, nil
	}
	return content{}, fmt.Errorf("%w: %q", behavior.ErrUnknownType, t)
}

// sequenceQuestion builds a geometric sequence puzzle with one correct and
// three distractor options.
func (g *Generator) sequenceQuestion() (string, []string, string) {
	start := 1 + g.randInt(9)
	ratio := 2 + g.randInt(2)

	terms := make([]string, 4)
	v := start
	for i := range terms {
		terms[i] = strconv.Itoa(v)
		v *= ratio
	}
	answer := v
	prev := v / ratio

	options := []int{answer, answer + prev, answer - start, prev + (prev - prev/ratio)}
	seen := make(map[int]bool)
	var labels []string
	for _, o := range options {
		if o <= 0 || seen[o] {
			continue
		}
		seen[o] = true
		labels = append(labels, strconv.Itoa(o))
	}
	for i := len(labels) - 1; i > 0; i-- {
		j := g.randInt(i + 1)
		labels[i], labels[j] = labels[j], labels[i]
	}

	question := fmt.Sprintf("Which number comes next: %s, ?", strings.Join(terms, ", "))
	return question, labels, strconv.Itoa(answer)
}
