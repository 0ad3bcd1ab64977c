package i18n

import (
	"strings"
	"sync/atomic"
)

const (
	English = "en"
	Persian = "fa"
)

var locale atomic.Value

func init() {
	locale.Store(English)
}

// SetLocale selects the language Translate renders. Unknown locales fall
// back to English.
func SetLocale(l string) {
	switch strings.ToLower(strings.TrimSpace(l)) {
	case Persian:
		locale.Store(Persian)
	default:
		locale.Store(English)
	}
}

func Locale() string {
	return locale.Load().(string)
}

var translations = map[string]string{
	"invalid request":             "درخواست نامعتبر است",
	"missing authorization token": "توکن احراز هویت ارسال نشده است",
	"invalid token":               "توکن نامعتبر است",
	"failed to validate user":     "خطا در اعتبارسنجی کاربر",
	"failed to generate token":    "خطا در تولید توکن",
	"unauthorized":                "دسترسی غیرمجاز",
	"invalid identity or secret":  "شناسه یا رمز اشتباه است",
	"secret must be at least 6 characters": "رمز باید حداقل ۶ کاراکتر باشد",
	"rate limiter error":          "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":         "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":       "خطای داخلی سرور",
	"websocket upgrade failed":    "خطا در برقراری اتصال وب سوکت",
	"push notifications are disabled": "اعلان ها غیرفعال هستند",

	"not found":            "یافت نشد",
	"not authorized":       "دسترسی غیرمجاز",
	"invalid input":        "ورودی نامعتبر است",
	"user already exists":  "این کاربر قبلا ثبت نام کرده است",
	"channel not found":    "کانال یافت نشد",
	"attachment too large": "حجم پیوست ها بیش از حد مجاز است",
	"invalid password":     "رمز کانال اشتباه است",
	"message too large":    "پیام بیش از حد طولانی است",
	"key derivation failed": "خطا در تولید کلید",

	"invalid channel id":                        "شناسه کانال نامعتبر است",
	"invalid message id":                        "شناسه پیام نامعتبر است",
	"invalid limit":                             "مقدار limit نامعتبر است",
	"invalid offset":                            "مقدار offset نامعتبر است",
	"invalid transport key":                     "کلید انتقال نامعتبر است",
	"username cannot be empty":                  "نام کاربری نمی تواند خالی باشد",
	"username cannot exceed 50 characters":      "نام کاربری نباید بیش از ۵۰ کاراکتر باشد",
	"anonymous callers cannot register":         "کاربر ناشناس نمی تواند ثبت نام کند",
	"channel name cannot be empty":              "نام کانال نمی تواند خالی باشد",
	"channel name cannot exceed 100 characters": "نام کانال نباید بیش از ۱۰۰ کاراکتر باشد",
	"only registered users can create channels": "فقط کاربران ثبت نام شده می توانند کانال بسازند",
	"only registered users can join channels":   "فقط کاربران ثبت نام شده می توانند عضو کانال شوند",
	"only registered users can send messages":   "فقط کاربران ثبت نام شده می توانند پیام بفرستند",
	"only registered users can send encrypted messages": "فقط کاربران ثبت نام شده می توانند پیام رمزنگاری شده بفرستند",
	"the general channel cannot be deleted":     "کانال عمومی قابل حذف نیست",
	"only the channel creator can delete it":    "فقط سازنده کانال می تواند آن را حذف کند",
	"only the administrator can force delete channels": "فقط مدیر می تواند کانال را به اجبار حذف کند",
	"message content cannot be empty":           "متن پیام نمی تواند خالی باشد",
	"message content cannot exceed 2000 characters": "متن پیام نباید بیش از ۲۰۰۰ کاراکتر باشد",
	"not a member of this channel":              "شما عضو این کانال نیستید",
	"channel is not encrypted":                  "کانال رمزنگاری شده نیست",
	"share target cannot be empty":              "کاربر مقصد نمی تواند خالی باشد",
	"only the author can share a message":       "فقط نویسنده می تواند پیام را به اشتراک بگذارد",
	"cannot share a message with its author":    "نمی توانید پیام را با نویسنده آن به اشتراک بگذارید",
	"a message can be shared with at most 50 users": "هر پیام حداکثر با ۵۰ کاربر قابل اشتراک است",
	"only the author can delete a message":      "فقط نویسنده می تواند پیام را حذف کند",
	"message not found or access denied":        "پیام یافت نشد یا دسترسی ندارید",
	"New message":           "پیام جدید",
	"New encrypted message": "پیام رمزنگاری شده جدید",
}

var prefixTranslations = map[string]string{
	"unknown message kind":       "نوع پیام نامعتبر است",
	"failed to hash secret:":     "خطا در پردازش رمز",
	"failed to store credentials:": "خطا در ذخیره اطلاعات ورود",
	"failed to parse token:":     "توکن نامعتبر است",
	"unexpected signing method:": "روش امضای توکن نامعتبر است",
	"key derivation failed:":     "خطا در تولید کلید",
}

// Translate renders message in the current locale, returning it unchanged
// when no translation is known.
func Translate(message string) string {
	if Locale() != Persian {
		return message
	}
	if translated, ok := translations[message]; ok {
		return translated
	}
	for prefix, translated := range prefixTranslations {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}
