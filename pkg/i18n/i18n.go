package i18n

import "strings"

// Persian is the only translation shipped; everything else falls back to
// the English source text.
var persian = map[string]string{
	"invalid request":                        "درخواست نامعتبر است",
	"failed to generate token":               "خطا در تولید توکن",
	"failed to register":                     "خطا در ثبت نام کاربر",
	"failed to log in":                       "خطا در ورود",
	"missing authorization token":            "توکن احراز هویت ارسال نشده است",
	"invalid token":                          "توکن نامعتبر است",
	"failed to validate user":                "خطا در اعتبارسنجی کاربر",
	"user not found":                         "کاربر یافت نشد",
	"unauthorized":                           "دسترسی غیرمجاز",
	"userId does not match token":            "شناسه کاربر با توکن مطابقت ندارد",
	"invalid id":                             "شناسه نامعتبر است",
	"invalid image upload":                   "بارگذاری تصویر نامعتبر است",
	"invalid file upload":                    "بارگذاری فایل نامعتبر است",
	"image must be an image":                 "فایل باید تصویر باشد",
	"invalid subscription":                   "اشتراک نامعتبر است",
	"push notifications are not configured":  "اعلان ها پیکربندی نشده اند",
	"otherUserId is required":                "otherUserId الزامی است",
	"testMessage is required":                "testMessage الزامی است",
	"rate limiter error":                     "خطا در محدودسازی درخواست ها",
	"rate limit exceeded":                    "تعداد درخواست ها بیش از حد مجاز است",
	"internal server error":                  "خطای داخلی سرور",
	"not found":                              "یافت نشد",
	"password must be at least 6 characters": "رمز عبور باید حداقل ۶ کاراکتر باشد",
	"username already exists":                "این نام کاربری قبلا ثبت شده است",
	"invalid username or password":           "نام کاربری یا رمز عبور اشتباه است",
	"username must be between 3 and 32 characters":                "نام کاربری باید بین ۳ تا ۳۲ کاراکتر باشد",
	"username can only contain letters, numbers, and underscores": "نام کاربری فقط می تواند شامل حروف، اعداد و زیرخط باشد",
	"validation failed: message must have text, image or file":    "پیام باید متن، تصویر یا فایل داشته باشد",
	"validation failed: emoji is required":                        "ایموجی الزامی است",
	"validation failed: attachment is too large":                  "حجم فایل بیش از حد مجاز است",
	"validation failed: attachments must be data URLs":            "پیوست ها باید data URL باشند",
	"not found: receiver":                                         "گیرنده یافت نشد",
	"not found: message":                                          "پیام یافت نشد",
	"not found: group":                                            "گروه یافت نشد",
	"forbidden: not a member of this group":                       "شما عضو این گروه نیستید",
	"forbidden: only the receiver can update message status":      "فقط گیرنده می تواند وضعیت پیام را تغییر دهد",
}

var persianPrefixes = map[string]string{
	"validation failed:": "درخواست نامعتبر است",
	"not found:":         "یافت نشد",
	"forbidden:":         "دسترسی غیرمجاز",
}

// Translate renders message for the first language in an Accept-Language
// header value. Unknown languages and messages are returned unchanged.
func Translate(acceptLanguage, message string) string {
	if !prefersPersian(acceptLanguage) {
		return message
	}
	if translated, ok := persian[message]; ok {
		return translated
	}
	for prefix, translated := range persianPrefixes {
		if strings.HasPrefix(message, prefix) {
			return translated
		}
	}
	return message
}

func prefersPersian(acceptLanguage string) bool {
	first, _, _ := strings.Cut(acceptLanguage, ",")
	first, _, _ = strings.Cut(first, ";")
	lang, _, _ := strings.Cut(strings.TrimSpace(strings.ToLower(first)), "-")
	return lang == "fa"
}
