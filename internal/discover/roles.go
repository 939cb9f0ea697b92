package discover

import (
	"strings"
	"unicode/utf8"

	"github.com/brandon/mailsync/pkg/types"
)

type role int

const (
	roleInbox role = iota
	roleSent
	roleDrafts
	roleTrash
	roleSpam
)

var specialUseRoles = map[string]role{
	`\sent`:   roleSent,
	`\drafts`: roleDrafts,
	`\trash`:  roleTrash,
	`\junk`:   roleSpam,
	`\spam`:   roleSpam,
	`\inbox`:  roleInbox,
}

// roleNames is the name-heuristic dictionary used when a server
// provides no SPECIAL-USE attributes. Entries are lowercase.
var roleNames = map[role][]string{
	roleInbox: {
		"inbox", "posteingang", "boîte de réception", "réception",
		"bandeja de entrada", "posta in arrivo", "caixa de entrada",
		"受信トレイ", "收件箱", "收件匣", "받은편지함",
	},
	roleSent: {
		"sent", "sent items", "sent messages", "sent mail",
		"gesendet", "gesendete elemente", "gesendete objekte",
		"envoyés", "envoyes", "éléments envoyés",
		"enviados", "elementos enviados", "correo enviado",
		"posta inviata", "inviata", "itens enviados",
		"送信済み", "已发送", "已發送", "보낸편지함",
	},
	roleDrafts: {
		"drafts", "draft", "entwürfe", "entwurf", "brouillons",
		"borradores", "bozze", "rascunhos",
		"下書き", "草稿", "草稿箱", "임시보관함",
	},
	roleTrash: {
		"trash", "deleted", "deleted items", "deleted messages", "bin",
		"papierkorb", "gelöschte elemente", "gelöschte objekte",
		"corbeille", "papelera", "elementos eliminados",
		"cestino", "lixeira", "ゴミ箱", "已删除", "已刪除", "휴지통",
	},
	roleSpam: {
		"spam", "junk", "junk e-mail", "junk email", "junk mail",
		"bulk mail", "unerwünscht", "courrier indésirable",
		"indésirables", "correo no deseado", "no deseado",
		"posta indesiderata", "lixo eletrônico", "lixo eletronico",
		"迷惑メール", "垃圾邮件", "垃圾郵件", "스팸",
	},
}

// MapRoles reduces a folder listing to the five canonical roles.
// SPECIAL-USE attributes win; the heuristic dictionary fills the rest
// with three matching tiers per role: exact, substring (patterns of at
// least four runes), then reverse containment for short folder names.
// The reduction is deterministic, so mapping the same listing twice
// yields an identical FolderMap.
func MapRoles(folders []types.Folder) types.FolderMap {
	var fm types.FolderMap
	assigned := make(map[role]bool)

	set := func(r role, name string) {
		if assigned[r] {
			return
		}
		assigned[r] = true
		switch r {
		case roleInbox:
			fm.Inbox = name
		case roleSent:
			fm.Sent = name
		case roleDrafts:
			fm.Drafts = name
		case roleTrash:
			fm.Trash = name
		case roleSpam:
			fm.Spam = name
		}
	}

	for _, f := range folders {
		if strings.EqualFold(f.Name, "INBOX") {
			set(roleInbox, f.Name)
		}
		for _, attr := range f.Attributes {
			if r, ok := specialUseRoles[strings.ToLower(attr)]; ok {
				set(r, f.Name)
			}
		}
	}

	for _, tier := range []func(name, pattern string) bool{matchExact, matchSubstring, matchReverse} {
		for r := roleInbox; r <= roleSpam; r++ {
			if assigned[r] {
				continue
			}
			for _, f := range folders {
				if matchAny(f.Name, roleNames[r], tier) {
					set(r, f.Name)
					break
				}
			}
		}
	}

	// INBOX is mandatory on every server even when the listing omits it.
	if fm.Inbox == "" {
		fm.Inbox = "INBOX"
	}
	return fm
}

func matchAny(name string, patterns []string, match func(name, pattern string) bool) bool {
	folded := strings.ToLower(name)
	// Hierarchical names match on their last segment too.
	leaf := folded
	if i := strings.LastIndexAny(folded, "/."); i >= 0 && i+1 < len(folded) {
		leaf = folded[i+1:]
	}
	for _, p := range patterns {
		if match(folded, p) || (leaf != folded && match(leaf, p)) {
			return true
		}
	}
	return false
}

func matchExact(name, pattern string) bool {
	return name == pattern
}

func matchSubstring(name, pattern string) bool {
	return utf8.RuneCountInString(pattern) >= 4 && strings.Contains(name, pattern)
}

func matchReverse(name, pattern string) bool {
	return utf8.RuneCountInString(name) >= 3 && strings.Contains(pattern, name)
}
