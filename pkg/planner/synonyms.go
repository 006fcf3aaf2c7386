package planner

import "strings"

// The semantic synonym table is bounded and read-only: loaded once, never
// expanded at runtime. Groups cover bilingual action labels, form fields,
// and navigation text.
var semanticGroups = map[string][]string{
	// Japanese action labels
	"送信":    {"submit", "send", "確定", "送出", "提出", "実行"},
	"確定":    {"confirm", "ok", "submit", "送信", "決定", "完了"},
	"提出":    {"submit", "send", "送信", "確定", "送出"},
	"キャンセル": {"cancel", "close", "abort", "取消", "中止", "戻る"},
	"削除":    {"delete", "remove", "消去", "除去"},
	"保存":    {"save", "store", "keep"},
	"編集":    {"edit", "modify", "change"},

	// English action labels
	"submit": {"send", "confirm", "ok", "execute", "送信", "確定", "提出"},
	"cancel": {"close", "abort", "back", "キャンセル", "取消"},
	"delete": {"remove", "clear", "削除", "消去"},
	"save":   {"store", "keep", "保存"},
	"edit":   {"modify", "change", "編集"},
	"ok":     {"confirm", "accept", "yes", "確定", "OK"},
	"close":  {"cancel", "dismiss", "閉じる", "キャンセル"},

	// Form fields
	"name":     {"名前", "氏名", "ユーザー名", "username"},
	"email":    {"メール", "メールアドレス", "mail", "e-mail"},
	"password": {"パスワード", "暗証番号", "pwd"},
	"login":    {"ログイン", "サインイン", "sign in"},
	"register": {"登録", "新規登録", "signup", "sign up"},

	// Navigation
	"next":     {"次へ", "進む", "forward", "続行"},
	"previous": {"前へ", "戻る", "back", "prev"},
	"home":     {"ホーム", "トップ", "top", "メイン"},
	"menu":     {"メニュー", "一覧", "list", "navigation"},
}

// maxSynonyms bounds fallback_search proposals.
const maxSynonyms = 4

// Synonyms returns up to maxSynonyms alternatives for a label, or nil when
// the table has no entry.
func Synonyms(text string) []string {
	key := strings.ToLower(strings.TrimSpace(text))
	values := semanticGroups[key]
	if values == nil {
		values = semanticGroups[strings.TrimSpace(text)]
	}
	if len(values) > maxSynonyms {
		values = values[:maxSynonyms]
	}
	return values
}

// Similarity scores how close two UI texts are semantically: 1.0 exact,
// 0.9 direct mapping, 0.8 same group, 0 otherwise. Monotonic in match
// strength by construction.
func Similarity(a, b string) float64 {
	an := strings.ToLower(strings.TrimSpace(a))
	bn := strings.ToLower(strings.TrimSpace(b))
	if an == "" || bn == "" {
		return 0
	}
	if an == bn {
		return 1.0
	}
	if directMapped(an, bn) || directMapped(bn, an) {
		return 0.9
	}
	if sameGroup(an, bn) {
		return 0.8
	}
	return 0
}

func directMapped(key, candidate string) bool {
	for k, values := range semanticGroups {
		if strings.ToLower(k) != key {
			continue
		}
		for _, v := range values {
			if strings.ToLower(v) == candidate {
				return true
			}
		}
	}
	return false
}

func sameGroup(a, b string) bool {
	for k, values := range semanticGroups {
		kl := strings.ToLower(k)
		inA, inB := kl == a, kl == b
		for _, v := range values {
			vl := strings.ToLower(v)
			if vl == a {
				inA = true
			}
			if vl == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}
