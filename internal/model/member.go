package model

import "regexp"

// Member は通知の宛先となるメンバーを表す。
// DiscordIDとEmailは任意だが、作成時に少なくとも一方が必要。
type Member struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	DiscordID string `json:"discordId"`
	Email     string `json:"email"`
}

// HasContact は通知可能な連絡先を少なくとも1つ持つかを返す。
func (m *Member) HasContact() bool {
	return m.DiscordID != "" || m.Email != ""
}

// discordMentionPattern は`<@123>`および`<@!123>`形式のメンション表記。
var discordMentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// NormalizeDiscordID はメンション表記のDiscord IDを素のIDに正規化する。
// メンション形式でない入力はそのまま返す。
func NormalizeDiscordID(raw string) string {
	if m := discordMentionPattern.FindStringSubmatch(raw); m != nil {
		return m[1]
	}
	return raw
}
