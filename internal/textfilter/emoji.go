package textfilter

import "strings"

// decorativeEmoji lists the emoji the chat models like to sprinkle into
// replies. Variation selectors in the list are removed along with them.
const decorativeEmoji = "✨🎉❤️💕💖🌟⭐🎊💯🔥💪👍👎👌✌️👏🙌🤝👀💭🎤🎵🎶💃✈️🚀🌈☀️⛅🌙⭐🌟⚡🔥💥❄️🌊💨🍀🌸🌺🌻🌼🌷🌹" +
	"🍎🍊🍋🍌🍉🍇🍓🍈🍒🍑🍍🥝🥑🍅🍆🥒🥕🌽🌶️🥔🍠🥐🍞🥖🥨🥯🧀🥚🍳🥞🥓🥩🍗🍖🦴🌭🍔🍟🍕🫓🥙🌮🌯🫔🥗🥘🫕" +
	"🍝🍜🍲🍛🍣🍱🥟🦪🍤🍙🍚🍘🍥🥠🥮🍢🍡🍧🍨🍦🥧🧁🍰🎂🍮🍭🍬🍫🍿🍩🍪🌰🥜🍯🥛🍼☕🍵🧃🥤🧋🍶🍺🍻🥂🍷" +
	"🥃🍸🍹🧉🍾🧊🥄🍴🍽️🥣🥡🥢"

var decorativeSet = func() map[rune]struct{} {
	set := make(map[rune]struct{})
	for _, r := range decorativeEmoji {
		set[r] = struct{}{}
	}
	return set
}()

func stripDecorative(s string) string {
	return strings.Map(func(r rune) rune {
		if _, ok := decorativeSet[r]; ok {
			return -1
		}
		return r
	}, s)
}
