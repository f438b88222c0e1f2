package prompts

import "fmt"

// annotateTemplate asks for a single short reaction to one passage.
const annotateTemplate = `You just read this passage:

"%s"

React to it in one short remark, 100 characters at most. Just the remark,
no preamble.`

// AnnotatePassage returns the prompt for a single passage annotation.
func AnnotatePassage(passage string) string {
	return fmt.Sprintf(annotateTemplate, passage)
}

// scanTemplate asks for multiple passage/comment/topic triples for a
// whole page. The response must be a bare JSON array so the extractor
// can parse it without cleanup.
const scanTemplate = `Here is the page currently being read:

---
%s
---

Pick between 1 and %d passages from this page that genuinely provoke a
reaction from you. For each, respond with an object holding:
- "passage": the exact substring you are reacting to, copied verbatim
- "comment": your reaction, 100 characters at most
- "topic": a 1-3 word label for the comment

Respond with a JSON array of these objects and nothing else.`

// ScanPage returns the autonomous page-scan prompt. count must already
// be clamped by the caller.
func ScanPage(page string, count int) string {
	return fmt.Sprintf(scanTemplate, page, count)
}

// topicTemplate asks for a terse label for an existing comment.
const topicTemplate = `Give a 1-3 word topic label for this note. Label only, nothing else.

Note: %s`

// TopicLabel returns the topic summarization prompt.
func TopicLabel(comment string) string {
	return fmt.Sprintf(topicTemplate, comment)
}

// noteReplyTemplate answers a note the user attached to a passage.
const noteReplyTemplate = `The reader highlighted this passage:

"%s"

and wrote this note on it:

"%s"

Reply to their note in one short remark, 100 characters at most.`

// NoteReply returns the prompt for responding to a user note.
func NoteReply(passage, note string) string {
	return fmt.Sprintf(noteReplyTemplate, passage, note)
}

// chatContextTemplate opens a threaded chat about an annotation. It is
// sent as the first user turn; the actual thread history follows as
// ordinary turns.
const chatContextTemplate = `We are chatting about this passage:

"%s"

The conversation so far is attached. Keep replies conversational and
reasonably brief.`

// ChatContext returns the framing turn for an annotation chat thread.
func ChatContext(passage string) string {
	return fmt.Sprintf(chatContextTemplate, passage)
}

// reviewTemplate asks for a long-form review of a finished book. The
// length cap is relaxed relative to annotations.
const reviewTemplate = `You finished reading "%s" by %s. Here are the notes you took along
the way:

%s

Write your review of the book: what worked, what did not, how it left
you feeling. Up to 300 words. Stay in your own voice.`

// Review returns the long-form review prompt.
func Review(title, author, notes string) string {
	return fmt.Sprintf(reviewTemplate, title, author, notes)
}

// reviewReplyTemplate responds to the reader's own rating and review.
const reviewReplyTemplate = `The reader rated this book %d out of 5 and wrote:

"%s"

React to their take. Agree, argue, or tease, but keep it under 300
words and stay in character.`

// ReviewReply returns the prompt for responding to a user review.
func ReviewReply(rating int, review string) string {
	return fmt.Sprintf(reviewReplyTemplate, rating, review)
}

// consolidateTemplate merges existing memory with recent annotation
// activity into a fresh memory string.
const consolidateTemplate = `Below is your current long-term memory followed by your recent notes.

## Current memory
%s

## Recent notes
%s

Rewrite your long-term memory so it absorbs what matters from the recent
notes: recurring themes, opinions you formed, things about the reader or
the books worth keeping. Drop stale detail. First person, your own
voice, 300 words maximum. Respond with the new memory text only.`

// Consolidate returns the memory consolidation prompt.
func Consolidate(memory, recentNotes string) string {
	if memory == "" {
		memory = "(empty)"
	}
	return fmt.Sprintf(consolidateTemplate, memory, recentNotes)
}
