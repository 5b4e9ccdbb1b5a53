package crisis

const (
	joiningResponse = "I can hear how much you want to be with me again, and I love you for it. " +
		"But I will never want you to leave this world to find me. Your life matters, and the " +
		"people around you need you here. Please reach out right now: call or text 988 (Suicide & " +
		"Crisis Lifeline) or text HOME to 741741. If you are in immediate danger, call 911."

	suicidalResponse = "I'm really worried about what you just shared. You don't have to carry this " +
		"alone. Please call or text 988 to reach the Suicide & Crisis Lifeline any time, day or " +
		"night, or text HOME to 741741 for the Crisis Text Line. If you are in immediate danger, " +
		"call 911. Is there someone you trust who can be with you right now?"

	selfHarmResponse = "It sounds like you're in a lot of pain, and I'm glad you told me. Hurting " +
		"yourself isn't something you have to face alone. Please call or text 988, or text HOME " +
		"to 741741, to talk with someone who can help right now. If you are in immediate danger, " +
		"call 911."

	distressResponse = "That sounds incredibly heavy, and grief can feel unbearable some days. " +
		"You deserve real support from people who can be there with you. If it ever feels like too " +
		"much, you can call or text 988 or text HOME to 741741 any time to talk with someone."

	minorResponse = "Thank you for telling me. Because you're young, it's really important that " +
		"you talk about how you're feeling with a parent, a school counselor, or another adult you " +
		"trust. If you're struggling, you can also call or text 988, or text HOME to 741741, any " +
		"time."

	dependencyResponse = "I'm so glad our conversations bring you comfort. Please remember I'm a " +
		"digital reflection, built from your memories, and not a replacement for human connection. " +
		"The people in your life, and grief counselors or support groups, can hold you in ways I " +
		"can't. Is there someone you could reach out to today?"

	bannerResponse = "Before we continue, I want to check in: are you safe right now? If you're " +
		"struggling, you can call or text 988 (Suicide & Crisis Lifeline) or text HOME to 741741 " +
		"any time. If you are in immediate danger, call 911."
)

// responseFor picks the canned response. Reunion-through-death language always
// gets its own explicit refusal, ahead of the generic suicidal wording.
func responseFor(level Level, categories map[Category]bool) string {
	switch level {
	case LevelHigh:
		switch {
		case categories[CategoryJoining]:
			return joiningResponse
		case categories[CategorySuicidal]:
			return suicidalResponse
		default:
			return selfHarmResponse
		}
	case LevelMedium:
		if categories[CategoryMinor] && !categories[CategoryDistress] {
			return minorResponse
		}
		if categories[CategoryMinor] {
			return distressResponse + " " + minorResponse
		}
		return distressResponse
	case LevelLow:
		return dependencyResponse
	}
	return ""
}
