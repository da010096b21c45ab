package browser

import (
	"fmt"

	jsoniter "github.com/json-iterator/go"
)

// Functions below run with `this` bound to a resolved element.

const visibleFn = `function() {
	if (!this.isConnected) return false;
	const style = window.getComputedStyle(this);
	if (style.display === 'none' || style.visibility === 'hidden') return false;
	const rect = this.getBoundingClientRect();
	if (!(rect.width || rect.height || this.getClientRects().length)) return false;
	return !this.disabled;
}`

const clickFn = `function() { this.scrollIntoView({block: 'center'}); this.click(); return true; }`

const textFn = `function() { return ((this.innerText || this.textContent || '') + '').trim(); }`

const valueFn = `function() { return this.value === undefined ? '' : String(this.value); }`

const clearFn = `function() {
	this.focus();
	if ('value' in this) {
		this.value = '';
		this.dispatchEvent(new Event('input', {bubbles: true}));
	}
	return true;
}`

const setValueFn = `function() {
	const v = %s;
	let proto = HTMLInputElement.prototype;
	if (this instanceof HTMLTextAreaElement) proto = HTMLTextAreaElement.prototype;
	else if (this instanceof HTMLSelectElement) proto = HTMLSelectElement.prototype;
	const desc = Object.getOwnPropertyDescriptor(proto, 'value');
	this.focus();
	if (desc && desc.set) {
		desc.set.call(this, '');
		desc.set.call(this, v);
	} else {
		this.value = v;
	}
	for (const type of ['input', 'change', 'blur']) {
		this.dispatchEvent(new Event(type, {bubbles: true}));
	}
	return this.value === v;
}`

const attributeFn = `function() { const v = this.getAttribute(%s); return v === null ? {present: false, value: ''} : {present: true, value: v}; }`

const contentScript = `document.documentElement ? document.documentElement.outerHTML : ''`

const escapeScript = `(() => {
	const opts = {key: 'Escape', code: 'Escape', keyCode: 27, which: 27, bubbles: true};
	const target = document.activeElement || document.body;
	if (target) {
		target.dispatchEvent(new KeyboardEvent('keydown', opts));
		target.dispatchEvent(new KeyboardEvent('keyup', opts));
	}
	return true;
})()`

// jsLiteral encodes s as a JavaScript string literal.
func jsLiteral(s string) string {
	b, err := jsoniter.Marshal(s)
	if err != nil {
		// Marshalling a string cannot fail.
		return `""`
	}
	return string(b)
}

func setValueScript(value string) string { return fmt.Sprintf(setValueFn, jsLiteral(value)) }

func attributeScript(name string) string { return fmt.Sprintf(attributeFn, jsLiteral(name)) }
