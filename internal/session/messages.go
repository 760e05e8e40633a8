package session

const (
	messageJoinFirst          = "join a session first"
	messageOrganizerOnly      = "only the organizer can do this"
	messageObserverCannotVote = "observers cannot vote"
	messageNoActiveStory      = "there is no active story"
	messageSessionEnded       = "this session has ended"
	messageSessionNotFound    = "session not found"
	messageStoryNotFound      = "story not found"
	messageCannotDeleteActive = "the active story cannot be deleted"
	messageRestartCompleted   = "completed stories must be restarted instead"
	messageSignInRequired     = "sign in to do this"
	messageHistoryForbidden   = "only the organizer or a participant can view this history"
	messageInternal           = "something went wrong, please try again"

	reportSessionLine      = "Session: %s (%s)"
	reportDeckLine         = "Deck: %s"
	reportPeriodLine       = "Period: %s ~ %s (%s)"
	reportDurationLine     = "Duration: %s"
	reportParticipantsLine = "Participants: %s"
	reportStoryLine        = "%02d. %s  [%s]"
	reportUnnamedSession   = "Untitled session"
	reportNoScore          = "-"
	reportObserverSuffix   = " (observer)"
)
