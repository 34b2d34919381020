package tts

import "strings"

type voicePred func(v Voice) bool

func nameHas(subs ...string) voicePred {
	return func(v Voice) bool {
		for _, s := range subs {
			if strings.Contains(v.Name, s) {
				return true
			}
		}
		return false
	}
}

func isMale(v Voice) bool {
	return v.Gender == GenderMale || strings.Contains(v.Name, "Male") && !strings.Contains(v.Name, "Female")
}

func isFemale(v Voice) bool {
	return v.Gender == GenderFemale || strings.Contains(v.Name, "Female")
}

func isAmericanEnglish(v Voice) bool {
	lang := strings.ReplaceAll(v.Lang, "_", "-")
	return strings.EqualFold(lang, "en-US")
}

// preference is tried top to bottom; every tier requires an en-US voice.
var preference = []voicePred{
	nameHas("Samantha"),
	nameHas("Ava"),
	func(v Voice) bool { return strings.Contains(v.Name, "Google") && isFemale(v) },
	func(v Voice) bool { return strings.Contains(v.Name, "Premium") && !isMale(v) },
	func(v Voice) bool { return strings.Contains(v.Name, "Enhanced") && !isMale(v) },
	nameHas("Victoria", "Allison", "Susan"),
	func(v Voice) bool { return !isMale(v) && !v.Local },
	func(v Voice) bool { return !isMale(v) },
}

// Choose returns the most preferred voice. ok is false when only the
// engine default is left.
func Choose(voices []Voice) (Voice, bool) {
	for _, pred := range preference {
		for _, v := range voices {
			if isAmericanEnglish(v) && pred(v) {
				return v, true
			}
		}
	}
	return Voice{}, false
}
